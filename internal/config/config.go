// Package config loads the bridge's JSON configuration file and applies
// environment-variable overrides, per spec.md §6 ("Config file") and
// SPEC_FULL.md §4.7.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// SpeakerConfig is one statically-configured speaker entry, per spec.md
// §6's `speakers` array.
type SpeakerConfig struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Config is the persisted application configuration, per spec.md §6.
type Config struct {
	PipePath         string          `json:"pipe_path"`
	APIPort          int             `json:"api_port"`
	BufferDurationMs int             `json:"buffer_duration_ms"`
	Speakers         []SpeakerConfig `json:"speakers"`

	ParentInterface string `json:"-"`
	LogLevel        string `json:"-"`
	LogFormat       string `json:"-"`
}

func defaultConfig() *Config {
	return &Config{
		PipePath:         "/tmp/airloom_audio_pipe",
		APIPort:          8080,
		BufferDurationMs: 2000,
		ParentInterface:  "eth0",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads the JSON config at path, falling back to defaults if the
// file does not exist (a missing config file is not an error, matching
// the original's "Config file not found ... Using defaults" behavior).
// It then loads a ".env" file, if present, in the current directory and
// applies AIRLOOM_* environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: invalid json in %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through with defaults
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIRLOOM_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = port
		}
	}
	if v := os.Getenv("AIRLOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AIRLOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AIRLOOM_PARENT_IFACE"); v != "" {
		cfg.ParentInterface = v
	}
}
