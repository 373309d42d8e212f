// Package config handles counsel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./counsel.yaml, ~/.config/counsel/config.yaml, /etc/counsel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"counsel.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "counsel", "config.yaml"))
	}

	paths = append(paths, "/etc/counsel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all counsel configuration.
type Config struct {
	Listen      ListenConfig             `yaml:"listen"`
	Gateways    map[string]GatewayConfig `yaml:"gateways"`
	AdvisorsDir string                   `yaml:"advisors_dir"`
	DataDir     string                   `yaml:"data_dir"`
	// PromptRoots are the directories searched for inclusion-tag files,
	// in order. Defaults to the advisors directory.
	PromptRoots []string     `yaml:"prompt_roots"`
	Turn        TurnConfig   `yaml:"turn"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	Email       EmailConfig  `yaml:"email"`
	Search      SearchConfig `yaml:"search"`
	LogLevel    string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8376
}

// GatewayConfig describes one LLM gateway endpoint. The map key in
// Config.Gateways is the selector advisors reference.
type GatewayConfig struct {
	// Kind selects the wire protocol: "openai", "anthropic", or "ollama".
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TurnConfig bounds a single conversation turn.
type TurnConfig struct {
	// MaxRoundTrips caps model round trips per turn (default 8).
	MaxRoundTrips int `yaml:"max_round_trips"`
	// ToolTimeoutSec is the per-tool-invocation timeout (default 60).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// MQTTConfig defines the optional turn-event publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // Base topic (default: "counsel")
}

// EmailConfig defines the IMAP account the email tools use.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Server   string `yaml:"server"` // host:port, implicit TLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SearchConfig defines the web_search tool backend.
type SearchConfig struct {
	// SearXNGURL is the root URL of a SearXNG instance. Empty disables
	// the web_search tool.
	SearXNGURL string `yaml:"searxng_url"`
}

// Load reads and parses a config file, expanding ${ENV_VAR} references
// in string values so secrets can live in the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8376
	}
	if c.AdvisorsDir == "" {
		c.AdvisorsDir = "advisors"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if len(c.PromptRoots) == 0 {
		c.PromptRoots = []string{c.AdvisorsDir}
	}
	if c.Turn.MaxRoundTrips <= 0 {
		c.Turn.MaxRoundTrips = 8
	}
	if c.Turn.ToolTimeoutSec <= 0 {
		c.Turn.ToolTimeoutSec = 60
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "counsel"
	}
}

func (c *Config) validate() error {
	if len(c.Gateways) == 0 {
		return fmt.Errorf("config: at least one gateway must be defined")
	}
	for name, gw := range c.Gateways {
		switch gw.Kind {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("config: gateway %q has unknown kind %q", name, gw.Kind)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.Email.Enabled && (c.Email.Server == "" || c.Email.Username == "") {
		return fmt.Errorf("config: email.server and email.username are required when email is enabled")
	}
	return nil
}
