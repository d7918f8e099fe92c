package ai

import "context"

type Message struct {
	Role    string
	Content string
}

// Reply is one assistant completion. Thinking carries the model's
// reasoning trace when the backend exposes one.
type Reply struct {
	Content  string
	Thinking string
	Model    string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (Reply, error)
}
