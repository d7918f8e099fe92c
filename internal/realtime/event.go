package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

const TableAsyncTasks = "async_tasks"

var ErrMalformedEvent = errors.New("malformed realtime event")

// Event is one row change on async_tasks. For DELETE, Record holds the
// deleted row.
type Event struct {
	Type   tasks.ChangeType `json:"type"`
	Table  string           `json:"table"`
	Record tasks.Task       `json:"record"`
	At     time.Time        `json:"at"`
}

func NewEvent(change tasks.ChangeType, t *tasks.Task) Event {
	return Event{Type: change, Table: TableAsyncTasks, Record: *t, At: time.Now().UTC()}
}

// ConversationID returns the conversation the task belongs to, reading
// input_data when the denormalised column is absent.
func (e Event) ConversationID() uint64 {
	if e.Record.ConversationID != nil {
		return *e.Record.ConversationID
	}
	if id := tasks.ConversationIDOf(e.Record.InputData); id != nil {
		return *id
	}
	return 0
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire event. Anything that is not a
// well-formed async_tasks change is rejected.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch e.Type {
	case tasks.ChangeInsert, tasks.ChangeUpdate, tasks.ChangeDelete:
	default:
		return Event{}, fmt.Errorf("%w: type %q", ErrMalformedEvent, e.Type)
	}
	if e.Table != TableAsyncTasks {
		return Event{}, fmt.Errorf("%w: table %q", ErrMalformedEvent, e.Table)
	}
	if e.Record.ID == 0 {
		return Event{}, fmt.Errorf("%w: missing record id", ErrMalformedEvent)
	}
	if !e.Record.Status.Valid() {
		return Event{}, fmt.Errorf("%w: status %q", ErrMalformedEvent, e.Record.Status)
	}
	return e, nil
}
