package ai

import (
	"context"
	"strings"

	"github.com/suPer8Hu/ghostwriter/internal/config"
)

// NewRegistryFromConfig registers the built-in providers. An empty model
// falls back to the provider's configured default.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.Think = cfg.OllamaThink
		return p, nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

// DefaultModel is the model used for new conversations with provider.
func DefaultModel(cfg config.Config, provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "ollama":
		return cfg.OllamaModel
	default:
		return cfg.OpenRouterModel
	}
}
