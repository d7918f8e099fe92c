package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenRouterProvider talks to the OpenRouter chat completions API.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type openRouterReasoning struct {
	Exclude bool `json:"exclude"`
}

type openRouterChatReq struct {
	Model     string               `json:"model"`
	Messages  []openRouterMsg      `json:"messages"`
	Stream    bool                 `json:"stream"`
	Reasoning *openRouterReasoning `json:"reasoning,omitempty"`
}

type openRouterChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (Reply, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return Reply{}, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return Reply{}, errors.New("openrouter: model is required")
	}

	in := openRouterChatReq{
		Model:    model,
		Messages: make([]openRouterMsg, len(messages)),
		// ask for the reasoning trace; it is stored as the message's thinking
		Reasoning: &openRouterReasoning{Exclude: false},
	}
	for i, m := range messages {
		in.Messages[i] = openRouterMsg{Role: m.Role, Content: m.Content}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		header.Set("X-Title", p.AppName)
	}

	var out openRouterChatResp
	if err := postJSON(ctx, p.Client, "openrouter", endpoint(p.BaseURL, "/chat/completions"), header, in, &out); err != nil {
		return Reply{}, err
	}
	if out.Error != nil && out.Error.Message != "" {
		return Reply{}, fmt.Errorf("openrouter: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Reply{}, errors.New("openrouter: empty response")
	}
	choice := out.Choices[0].Message
	return Reply{Content: choice.Content, Thinking: choice.Reasoning, Model: out.Model}, nil
}
