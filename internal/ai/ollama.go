package ai

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider calls a local Ollama server's non-streaming chat API.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Think   bool
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
	// Think asks reasoning models to return their trace separately.
	Think bool `json:"think,omitempty"`
}

type ollamaMsg struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaChatResp struct {
	Model   string    `json:"model"`
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (Reply, error) {
	in := ollamaChatReq{
		Model:    p.Model,
		Messages: make([]ollamaMsg, len(messages)),
		Think:    p.Think,
	}
	for i, m := range messages {
		in.Messages[i] = ollamaMsg{Role: m.Role, Content: m.Content}
	}

	var out ollamaChatResp
	if err := postJSON(ctx, p.Client, "ollama", endpoint(p.BaseURL, "/api/chat"), nil, in, &out); err != nil {
		return Reply{}, err
	}
	if out.Error != "" {
		return Reply{}, fmt.Errorf("ollama: %s", out.Error)
	}
	return Reply{Content: out.Message.Content, Thinking: out.Message.Thinking, Model: out.Model}, nil
}
