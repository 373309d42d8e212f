// Package toolkit assembles the built-in tool catalogue from the
// service configuration.
package toolkit

import (
	"log/slog"

	"counsel/internal/config"
	"counsel/internal/document"
	"counsel/internal/email"
	"counsel/internal/fetch"
	"counsel/internal/search"
	"counsel/internal/tools"
	"counsel/internal/weather"
)

// Build creates a registry with every tool the configuration enables.
// Tools with unmet configuration (no search instance, email disabled)
// are simply not registered; advisors listing them get a smaller
// effective toolset.
func Build(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := tools.NewRegistry()

	registerClock(r, nil)
	weather.RegisterTool(r, weather.New())
	fetch.RegisterTool(r, fetch.New())
	document.RegisterTool(r, document.NewReader(cfg.PromptRoots))
	tools.RegisterHandoff(r)

	if cfg.Search.SearXNGURL != "" {
		search.RegisterTool(r, search.NewClient(cfg.Search.SearXNGURL))
	} else {
		logger.Debug("web_search disabled, no searxng url configured")
	}

	if cfg.Email.Enabled {
		imapCfg, err := email.ParseServer(cfg.Email.Server, cfg.Email.Username, cfg.Email.Password)
		if err != nil {
			return nil, err
		}
		client := email.NewClient(imapCfg, logger.With("component", "email"))
		email.RegisterTools(r, client)
	}

	logger.Info("tool catalogue assembled", "tools", len(r.Names()))
	return r, nil
}
