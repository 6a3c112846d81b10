// Package config loads daemon settings from flags, environment, .env files and an optional
// YAML config file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"jobengine/internal/core"
)

// EnvPrefix prefixes every environment variable, e.g. JOBENGINE_SERVER_ADDR.
const EnvPrefix = "JOBENGINE"

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// PoolConfig sizes the execution pool.
type PoolConfig struct {
	Slots        int           `mapstructure:"slots"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// JobsConfig holds defaults applied to new job definitions.
type JobsConfig struct {
	DefaultTrigger string `mapstructure:"default_trigger"`
	DefaultAction  string `mapstructure:"default_action"`
	HistoryLimit   int    `mapstructure:"history_limit"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig `mapstructure:"bark"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Store        StoreConfig        `mapstructure:"store"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Notification NotificationConfig `mapstructure:"notification"`

	StateDir      string        `mapstructure:"state_dir"`
	UseUTC        bool          `mapstructure:"use_utc"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Mode          string        `mapstructure:"mode"`
}

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultShutdownGrace = 10 * time.Second
)

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	pool := core.DefaultPoolConfig()

	v.SetDefault("server.addr", defaultAddr)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("pool.slots", pool.Slots)
	v.SetDefault("pool.tick_interval", pool.TickInterval)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("jobs.default_trigger", string(core.TriggerManual))
	v.SetDefault("jobs.default_action", "command")
	v.SetDefault("jobs.history_limit", core.DefaultHistoryLimit)
	v.SetDefault("notification.bark.url", "")
	v.SetDefault("notification.bark.enabled", false)
	v.SetDefault("state_dir", "")
	v.SetDefault("use_utc", false)
	v.SetDefault("shutdown_grace", defaultShutdownGrace)
	v.SetDefault("mode", ModeHTTP)
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"addr":           "server.addr",
	"auth-token":     "server.auth_token",
	"log-level":      "log.level",
	"log-json":       "log.json",
	"slots":          "pool.slots",
	"tick-interval":  "pool.tick_interval",
	"store-driver":   "store.driver",
	"store-dsn":      "store.dsn",
	"history-limit":  "jobs.history_limit",
	"state-dir":      "state_dir",
	"use-utc":        "use_utc",
	"shutdown-grace": "shutdown_grace",
	"mode":           "mode",
}

// AddFlags registers the persistent flags understood by Load.
func AddFlags(flags *pflag.FlagSet) {
	pool := core.DefaultPoolConfig()

	flags.String("config", "", "Path to a YAML config file")
	flags.String("addr", defaultAddr, "HTTP listen address")
	flags.String("auth-token", "", "Bearer token required by the API")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.Int("slots", pool.Slots, "Maximum number of concurrently running executions")
	flags.Duration("tick-interval", pool.TickInterval, "How often the pool looks for waiting executions")
	flags.String("store-driver", "sqlite", "Database driver (sqlite, postgres)")
	flags.String("store-dsn", "", "Database connection string")
	flags.Int("history-limit", core.DefaultHistoryLimit, "Default number of executions kept per job")
	flags.String("state-dir", "", "Directory to store the database and run logs")
	flags.Bool("use-utc", false, "Use UTC for cron evaluation instead of system local time")
	flags.Duration("shutdown-grace", defaultShutdownGrace, "Grace period when shutting down")
	flags.String("mode", ModeHTTP, "Serve mode (http, mcp, both)")
}

// Load resolves the configuration. Priority: flags > environment > .env file > config file >
// defaults. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	if err := readConfigFile(v, flags); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.resolveStateDir(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv() {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "jobengine", ".env"))
	}
	for _, f := range envFiles {
		// Missing files are fine; set variables are never overridden.
		_ = godotenv.Load(f)
	}
}

func readConfigFile(v *viper.Viper, flags *pflag.FlagSet) error {
	path := os.Getenv(EnvPrefix + "_CONFIG")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	return nil
}

func (c *Config) resolveStateDir() error {
	if c.StateDir == "" {
		baseDir, err := os.UserConfigDir()
		if err != nil {
			return errors.Wrap(err, "resolve default state dir")
		}
		c.StateDir = filepath.Join(baseDir, "jobengine")
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return errors.Wrapf(err, "create state dir %s", c.StateDir)
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return errors.WithHint(errors.Newf("unknown mode %q", c.Mode), "use http, mcp or both")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return errors.WithHint(errors.Newf("unknown store driver %q", c.Store.Driver), "use sqlite or postgres")
	}
	if c.Pool.Slots < 1 {
		return errors.Newf("pool.slots must be at least 1, got %d", c.Pool.Slots)
	}
	if c.Pool.TickInterval <= 0 {
		return errors.Newf("pool.tick_interval must be positive, got %s", c.Pool.TickInterval)
	}
	if c.Jobs.HistoryLimit < 1 {
		return errors.Newf("jobs.history_limit must be at least 1, got %d", c.Jobs.HistoryLimit)
	}
	if _, err := core.ParseTriggerKind(c.Jobs.DefaultTrigger); err != nil {
		return errors.Wrap(err, "jobs.default_trigger")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("notification.bark.url is required when bark is enabled")
	}
	return nil
}

// Location returns the time zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}
