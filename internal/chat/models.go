package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Conversation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(128);not null" json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "chat_conversations" }

type Message struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64  `gorm:"not null;index:idx_chat_msg_user_conv,priority:2" json:"conversation_id"`
	UserID         uint64  `gorm:"not null;index:idx_chat_msg_user_conv,priority:1" json:"-"`
	Role           string  `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string  `gorm:"type:text;not null" json:"content"`
	Thinking       *string `gorm:"type:text" json:"thinking,omitempty"`
	// Task that produced (or will produce) this message.
	AsyncTaskID *uint64   `gorm:"index" json:"async_task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }
