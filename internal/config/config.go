// Package config loads the relay and agent settings from the environment,
// after merging an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/dustinlacewell/strudual/internal/logging"
)

type Relay struct {
	Addr        string `env:"STRUDUAL_ADDR" default:":8081"`
	RedisURL    string `env:"REDIS_URL"`    // empty: single instance, in-memory fan-out
	DatabaseURL string `env:"DATABASE_URL"` // empty: no join history
	Announce    bool   `env:"STRUDUAL_ANNOUNCE" default:"true"`
	Instance    string `env:"STRUDUAL_INSTANCE"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type Agent struct {
	RelayURL  string `env:"STRUDUAL_RELAY"` // empty: discover over mDNS
	Username  string `env:"STRUDUAL_USER"`
	Room      string `env:"STRUDUAL_ROOM"`
	Dir       string `env:"STRUDUAL_DIR" default:"."`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	PollInterval    time.Duration `env:"STRUDUAL_POLL_INTERVAL" default:"500ms"`
	DiscoverTimeout time.Duration `env:"STRUDUAL_DISCOVER_TIMEOUT" default:"5s"`
	ConnectTimeout  time.Duration `env:"STRUDUAL_CONNECT_TIMEOUT" default:"10s"`
}

func LoadRelay() (*Relay, error) {
	loadDotenv()

	var cfg Relay
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadAgent() (*Agent, error) {
	loadDotenv()

	var cfg Agent
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
}

func (c *Relay) validate() error {
	if c.Addr == "" {
		return errors.New("STRUDUAL_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

// Validate checks the settings; the agent calls it again after applying
// command line flags.
func (c *Agent) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("STRUDUAL_POLL_INTERVAL must be positive")
	}
	if c.DiscoverTimeout <= 0 {
		return errors.New("STRUDUAL_DISCOVER_TIMEOUT must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("STRUDUAL_CONNECT_TIMEOUT must be positive")
	}
	if c.Dir == "" {
		return errors.New("STRUDUAL_DIR is required")
	}
	return validateLogging(c.LogLevel, c.LogFormat)
}

func validateLogging(level, format string) error {
	if _, err := logging.ParseLevel(level); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", format)
	}
	return nil
}
