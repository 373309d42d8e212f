// Counsel is a multi-advisor LLM conversation server.
//
// It hosts a set of advisors (personas defined as markdown files with
// YAML frontmatter), each bound to an LLM gateway and a tool
// whitelist, and serves conversations over an HTTP API with SSE or
// WebSocket streaming. Transcripts persist per advisor and survive
// restarts. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	counsel serve              Start the API server
//	counsel init [dir]         Initialize a working directory with defaults
//	counsel chat [advisor]     Interactive terminal chat (for local use)
//	counsel version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"counsel/internal/advisor"
	"counsel/internal/api"
	"counsel/internal/buildinfo"
	"counsel/internal/config"
	"counsel/internal/events"
	"counsel/internal/gateway"
	"counsel/internal/mqtt"
	"counsel/internal/orchestrator"
	"counsel/internal/template"
	"counsel/internal/toolkit"
	"counsel/internal/transcript"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the counsel command. OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, which interfere with parallel tests, and the
// argument surface is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		name := ""
		if len(cmdArgs) > 0 {
			name = cmdArgs[0]
		}
		return runChat(ctx, stdin, stdout, configPath, name)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "%-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Counsel - multi-advisor LLM conversation server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: counsel [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  chat [advisor]   Interactive terminal chat (default advisor if omitted)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// deps holds everything the serve and chat modes share: config,
// gateways, tools, advisors, the transcript store, and the engine.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	advisors *advisor.Loader
	store    *transcript.Store
	engine   *orchestrator.Engine
}

// buildDeps wires the engine from configuration. The caller owns the
// returned store and must Close it.
func buildDeps(stdout io.Writer, configPath string) (*deps, error) {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// Already validated by config.Load.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	gateways := make(map[string]gateway.Client, len(cfg.Gateways))
	for name, gc := range cfg.Gateways {
		client, err := gateway.New(gc, logger)
		if err != nil {
			return nil, fmt.Errorf("gateway %q: %w", name, err)
		}
		gateways[name] = client
		logger.Info("gateway configured", "name", name, "kind", gc.Kind)
	}

	registry, err := toolkit.Build(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	logger.Info("tools registered", "tools", registry.Names())

	loader := advisor.NewLoader(cfg.AdvisorsDir)
	for _, err := range loader.Reload() {
		logger.Warn("advisor load", "error", err)
	}
	all := loader.List()
	if len(all) == 0 {
		return nil, fmt.Errorf("no advisors found in %s (run 'counsel init' to create defaults)", cfg.AdvisorsDir)
	}
	logger.Info("advisors loaded", "count", len(all), "default", loader.Default().Name)

	store, err := transcript.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}

	bus := events.New()
	engine := orchestrator.New(orchestrator.Options{
		Gateways:      gateways,
		Registry:      registry,
		Advisors:      loader,
		Resolver:      template.NewResolver(cfg.PromptRoots),
		Store:         store,
		Bus:           bus,
		Logger:        logger,
		MaxRoundTrips: cfg.Turn.MaxRoundTrips,
		ToolTimeout:   time.Duration(cfg.Turn.ToolTimeoutSec) * time.Second,
	})

	return &deps{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		advisors: loader,
		store:    store,
		engine:   engine,
	}, nil
}

// runServe is the primary operating mode: wire everything, start the
// advisor watcher, the optional MQTT publisher, and the HTTP server,
// then block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(stdout, configPath)
	if err != nil {
		return err
	}
	defer d.store.Close()
	logger := d.logger
	logger.Info("starting counsel", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	// Advisor hot-reload.
	watcher := advisor.NewWatcher(d.advisors, logger, func() {
		d.bus.Publish(events.Event{
			Source: events.SourceAdvisor,
			Kind:   events.KindAdvisorsReloaded,
			Data:   map[string]any{"advisors": len(d.advisors.List())},
		})
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("advisor watcher stopped", "error", err)
		}
	}()

	// Optional MQTT event publishing.
	if d.cfg.MQTT.Enabled {
		pub := mqtt.New(d.cfg.MQTT, d.bus, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown", "error", err)
			}
		}()
	}

	server := api.NewServer(d.cfg.Listen.Address, d.cfg.Listen.Port, d.engine, d.advisors, d.store, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("counsel stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
