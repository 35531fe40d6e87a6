// Package config loads the concierge configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hartley-dev/concierge/pkg/concierge/handlers"
	"github.com/hartley-dev/concierge/pkg/concierge/store"
	"github.com/hartley-dev/concierge/pkg/concierge/telegram"
	"github.com/hartley-dev/concierge/pkg/concierge/worker"
)

// Config is the root configuration shared by the serve and worker
// daemons.
type Config struct {
	// Assistant names the bot persona used in onboarding.
	Assistant AssistantConfig `yaml:"assistant"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Database configures the shared SQLite store.
	Database store.Config `yaml:"database"`

	// Telegram configures the Bot API transport.
	Telegram telegram.Config `yaml:"telegram"`

	// Pool is the fixed bot credential pool.
	Pool PoolConfig `yaml:"pool"`

	// Worker configures the background scheduling loop.
	Worker WorkerConfig `yaml:"worker"`

	// Handlers configures the command surface.
	Handlers handlers.Config `yaml:"handlers"`
}

// AssistantConfig holds persona settings.
type AssistantConfig struct {
	Name string `yaml:"name"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// PoolConfig holds the credential pool. Tokens can also come from the
// CONCIERGE_BOT_TOKEN_POOL environment variable (comma-separated), which
// takes precedence so secrets stay out of config files.
type PoolConfig struct {
	Tokens []string `yaml:"tokens"`
}

// WorkerConfig is the YAML-facing worker configuration.
type WorkerConfig struct {
	ReminderIntervalSeconds  int               `yaml:"reminder_interval_seconds"`
	HeartbeatIntervalMinutes int               `yaml:"heartbeat_interval_minutes"`
	QuietHours               worker.QuietHours `yaml:"quiet_hours"`
}

// Default returns the configuration defaults.
func Default() *Config {
	wd := worker.DefaultConfig()
	return &Config{
		Assistant: AssistantConfig{Name: "Archie"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Database:  store.DefaultConfig(),
		Telegram:  telegram.DefaultConfig(),
		Worker: WorkerConfig{
			ReminderIntervalSeconds:  int(wd.ReminderInterval / time.Second),
			HeartbeatIntervalMinutes: int(wd.HeartbeatInterval / time.Minute),
			QuietHours:               wd.QuietHours,
		},
		Handlers: handlers.DefaultConfig(),
	}
}

// Load reads configuration from the given path (optional) and applies
// .env and environment overrides.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if env := os.Getenv("CONCIERGE_BOT_TOKEN_POOL"); env != "" {
		var tokens []string
		for _, t := range strings.Split(env, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
		cfg.Pool.Tokens = tokens
	}
	if env := os.Getenv("CONCIERGE_DB_PATH"); env != "" {
		cfg.Database.Path = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. An empty pool is allowed here so maintenance
// commands work; the daemons check it themselves via RequirePool.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pool.Tokens))
	for _, t := range c.Pool.Tokens {
		if seen[t] {
			return fmt.Errorf("config: duplicate credential in pool")
		}
		seen[t] = true
	}
	q := c.Worker.QuietHours
	if q.Start < 0 || q.Start > 23 || q.End < 0 || q.End > 23 {
		return fmt.Errorf("config: quiet hours must be within 0-23")
	}
	return nil
}

// RequirePool errors when the credential pool is empty. Called by the
// serve and worker daemons, which cannot operate without bots.
func (c *Config) RequirePool() error {
	if len(c.Pool.Tokens) == 0 {
		return fmt.Errorf("config: credential pool is empty (set pool.tokens or CONCIERGE_BOT_TOKEN_POOL)")
	}
	return nil
}

// WorkerRuntime converts the YAML-facing fields to the worker's runtime
// configuration.
func (c *Config) WorkerRuntime() worker.Config {
	cfg := worker.DefaultConfig()
	if c.Worker.ReminderIntervalSeconds > 0 {
		cfg.ReminderInterval = time.Duration(c.Worker.ReminderIntervalSeconds) * time.Second
	}
	if c.Worker.HeartbeatIntervalMinutes > 0 {
		cfg.HeartbeatInterval = time.Duration(c.Worker.HeartbeatIntervalMinutes) * time.Minute
	}
	cfg.QuietHours = c.Worker.QuietHours
	return cfg
}
