// Package config loads the CLI harness configuration from YAML with
// sensible defaults. Flags override file values at the command layer.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the harness settings.
type Config struct {
	// ServerURL is the base URL of the request/response backend.
	ServerURL string `yaml:"server_url"`
	// WebsocketURL is the realtime channel endpoint. Empty disables the
	// realtime path.
	WebsocketURL string `yaml:"websocket_url"`
	// AgentID preselects an agent, skipping the interactive picker.
	AgentID string `yaml:"agent_id"`
	// LogLevel is a zerolog level name (trace..panic).
	LogLevel string `yaml:"log_level"`
	// TranscriptDB is an optional SQLite file archiving delivered messages.
	TranscriptDB string `yaml:"transcript_db"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:    "http://localhost:8080",
		WebsocketURL: "ws://localhost:8080/ws",
		LogLevel:     "info",
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}
