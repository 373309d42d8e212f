package gateway

import (
	"fmt"
	"log/slog"

	"counsel/internal/config"
)

// New builds a Client for the given gateway configuration.
func New(cfg config.GatewayConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, logger), nil
	case "anthropic":
		return NewAnthropicClient(cfg.BaseURL, cfg.APIKey, logger), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Kind)
	}
}
