// Package config loads skillsync settings from a TOML file with environment
// overrides on top.
//
// Precedence, lowest first: built-in defaults, the TOML file, environment
// variables. A missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string ("200ms", "15s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Redis   RedisConfig   `toml:"redis"`
	Collab  CollabConfig  `toml:"collab"`
	Agent   AgentConfig   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Addr             string `toml:"addr"`
	MaxDocumentBytes int    `toml:"max_document_bytes"`
	// Announce registers the server over mDNS.
	Announce bool   `toml:"announce"`
	Instance string `toml:"instance"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// RedisConfig enables cross-process fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type CollabConfig struct {
	ThrottleInterval Duration `toml:"throttle_interval"`
	CursorTTL        Duration `toml:"cursor_ttl"`
	FallbackTick     Duration `toml:"fallback_tick"`
}

type AgentConfig struct {
	Server   string `toml:"server"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	DataDir  string `toml:"data_dir"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".skillsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".skillsync")
	}
	return Config{
		Server: ServerConfig{
			Addr:             ":8081",
			MaxDocumentBytes: 1 << 20,
		},
		Store: StoreConfig{DSN: "sqlite:skillsync.db"},
		Collab: CollabConfig{
			ThrottleInterval: Duration{200 * time.Millisecond},
			CursorTTL:        Duration{15 * time.Second},
			FallbackTick:     Duration{4 * time.Second},
		},
		Agent:   AgentConfig{DataDir: dataDir},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(f func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*f(c) = v
		return nil
	}
}

var envVars = []envVar{
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"DATABASE_URL", str(func(c *Config) *string { return &c.Store.DSN })},
	{"SKILLSYNC_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"SKILLSYNC_STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"SKILLSYNC_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"SKILLSYNC_SERVER", str(func(c *Config) *string { return &c.Agent.Server })},
	{"SKILLSYNC_USER_ID", str(func(c *Config) *string { return &c.Agent.UserID })},
	{"SKILLSYNC_USERNAME", str(func(c *Config) *string { return &c.Agent.Username })},
	{"SKILLSYNC_DATA_DIR", str(func(c *Config) *string { return &c.Agent.DataDir })},
	{"SKILLSYNC_LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"SKILLSYNC_LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
	{"SKILLSYNC_ANNOUNCE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Server.Announce = b
		return err
	}},
	{"SKILLSYNC_THROTTLE_INTERVAL", func(c *Config, v string) error {
		return c.Collab.ThrottleInterval.UnmarshalText([]byte(v))
	}},
}

// applyEnv runs after the file so DATABASE_URL wins over store.dsn, and the
// SKILLSYNC_ form wins over both.
func applyEnv(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", ev.name, v, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.MaxDocumentBytes <= 0 {
		return fmt.Errorf("server.max_document_bytes must be positive")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"collab.throttle_interval", c.Collab.ThrottleInterval},
		{"collab.cursor_ttl", c.Collab.CursorTTL},
		{"collab.fallback_tick", c.Collab.FallbackTick},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
