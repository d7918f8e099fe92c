package tasks

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// TerminalStatuses and ActiveStatuses are used in IN (...) queries.
var (
	TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	ActiveStatuses   = []Status{StatusPending, StatusProcessing}
)

const InitialStatusMessage = "Thinking....."

// JSON is a raw JSON document stored as text. It keeps input_data and
// error_details opaque on every dialect.
type JSON json.RawMessage

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("tasks: cannot scan %T into JSON", src)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(b []byte) error {
	*j = append(JSON(nil), b...)
	return nil
}

// IsObject reports whether the document is a JSON object.
func (j JSON) IsObject() bool {
	trimmed := bytes.TrimSpace(j)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Empty is true for a missing document or a literal null.
func (j JSON) Empty() bool {
	trimmed := bytes.TrimSpace(j)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type Task struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskType   string `gorm:"type:varchar(64);index;not null" json:"task_type"`
	WorkflowID string `gorm:"type:varchar(128);not null" json:"workflow_id"`
	WebhookURL string `gorm:"type:varchar(512)" json:"webhook_url"`
	InputData  JSON   `gorm:"type:text" json:"input_data"`

	// Copied out of input_data so active-task lookups stay a column filter.
	ConversationID *uint64 `gorm:"index:idx_async_tasks_conv_status,priority:1" json:"conversation_id,omitempty"`

	CreatedBy uint64 `gorm:"index;not null" json:"created_by"`
	Status    Status `gorm:"type:varchar(16);index:idx_async_tasks_conv_status,priority:2;not null" json:"status"`

	StatusMessage *string `gorm:"type:text" json:"status_message"`
	CurrentStep   *string `gorm:"type:varchar(64)" json:"current_step"`
	ErrorDetails  JSON    `gorm:"type:text" json:"error_details"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "async_tasks" }

// ChatInput is input_data for task_type "chat".
type ChatInput struct {
	ConversationID uint64 `json:"conversation_id"`
	MessageID      uint64 `json:"message_id"`
}

// ConversationIDOf extracts input_data.conversation_id when it is a
// positive integer (number or numeric string).
func ConversationIDOf(input JSON) *uint64 {
	if !input.IsObject() {
		return nil
	}
	var peek struct {
		ConversationID json.Number `json:"conversation_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&peek); err != nil {
		// conversation_id of another JSON type; still a valid opaque payload
		return nil
	}
	n, err := peek.ConversationID.Int64()
	if err != nil || n <= 0 {
		return nil
	}
	id := uint64(n)
	return &id
}

// DispatchPayload is the body sent to a workflow.
type DispatchPayload struct {
	TaskID    uint64 `json:"task_id"`
	TaskType  string `json:"task_type"`
	InputData JSON   `json:"input_data"`
	UserID    uint64 `json:"user_id"`
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)
