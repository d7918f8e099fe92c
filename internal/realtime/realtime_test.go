package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

func task(id, owner uint64, status tasks.Status) *tasks.Task {
	conv := uint64(5)
	return &tasks.Task{
		ID:             id,
		TaskType:       "chat",
		CreatedBy:      owner,
		Status:         status,
		ConversationID: &conv,
		InputData:      tasks.JSON(`{"conversation_id":5,"message_id":1}`),
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	raw, err := NewEvent(tasks.ChangeUpdate, task(1, 2, tasks.StatusCompleted)).Encode()
	require.NoError(t, err)

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, tasks.ChangeUpdate, e.Type)
	assert.Equal(t, uint64(1), e.Record.ID)
	assert.Equal(t, tasks.StatusCompleted, e.Record.Status)
	assert.Equal(t, uint64(5), e.ConversationID())
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"bad type":       `{"type":"TRUNCATE","table":"async_tasks","record":{"id":1,"status":"pending"}}`,
		"other table":    `{"type":"UPDATE","table":"chat_messages","record":{"id":1,"status":"pending"}}`,
		"missing id":     `{"type":"UPDATE","table":"async_tasks","record":{"status":"pending"}}`,
		"unknown status": `{"type":"UPDATE","table":"async_tasks","record":{"id":1,"status":"exploded"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestEvent_ConversationFromInputData(t *testing.T) {
	e := Event{Record: tasks.Task{InputData: tasks.JSON(`{"conversation_id": 77}`)}}
	assert.Equal(t, uint64(77), e.ConversationID())
	assert.Zero(t, Event{}.ConversationID())
}

func TestMemoryBroker_FanOut(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())

	a, err := b.Subscribe(ctx)
	require.NoError(t, err)
	c, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.TaskChanged(ctx, tasks.ChangeInsert, task(9, 1, tasks.StatusPending)))

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, uint64(9), e.Record.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancel()
	_, open := <-a
	assert.False(t, open)
}

func TestHub_ForwardsOwnedEvents(t *testing.T) {
	b := NewMemoryBroker()
	hub := NewHub(b, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, 1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the hub subscribes after the upgrade; publish until the owned event arrives
	received := make(chan Event, 1)
	go func() {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if e, err := Decode(raw); err == nil {
			received <- e
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-received:
			assert.Equal(t, uint64(1), e.Record.CreatedBy)
			assert.Equal(t, uint64(3), e.Record.ID)
			return
		case <-tick.C:
			require.NoError(t, b.TaskChanged(ctx, tasks.ChangeUpdate, task(2, 99, tasks.StatusCompleted)))
			require.NoError(t, b.TaskChanged(ctx, tasks.ChangeUpdate, task(3, 1, tasks.StatusCompleted)))
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
