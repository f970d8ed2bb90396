// Package config loads shopsync settings.
//
// Precedence, lowest first: built-in defaults, an optional config file
// (shopsync.toml or shopsync.yaml in the data directory or the working
// directory, or an explicit --config path), SHOPSYNC_* environment variables
// (a .env file in the working directory is loaded first), then flags bound
// by the CLI.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/shopsync/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. SHOPSYNC_REMOTE_URI.
const EnvPrefix = "SHOPSYNC"

// Remote kinds.
const (
	RemoteNone   = "none"
	RemoteMemory = "memory"
	RemoteMongo  = "mongo"
)

// Config is the full application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Log       logging.Config  `mapstructure:"log"`
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	Kind     string        `mapstructure:"kind"`
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds engine timing.
type SyncConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	RateLimit       time.Duration `mapstructure:"rate_limit"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	ResyncSchedule  string        `mapstructure:"resync_schedule"`
}

// DashboardConfig holds the status dashboard settings.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// InboxConfig holds the file drop importer settings.
type InboxConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Dir               string        `mapstructure:"dir"`
	Debounce          time.Duration `mapstructure:"debounce"`
	RemoveAfterImport bool          `mapstructure:"remove_after_import"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".shopsync",
		Remote: RemoteConfig{
			Kind:     RemoteNone,
			Database: "shopsync",
			Timeout:  10 * time.Second,
		},
		Sync: SyncConfig{
			Debounce:        500 * time.Millisecond,
			RateLimit:       300 * time.Millisecond,
			SettleDelay:     2 * time.Second,
			ProbeInterval:   30 * time.Second,
			ProbeTimeout:    5 * time.Second,
			RetryBackoff:    5 * time.Second,
			MaxRetryBackoff: 5 * time.Minute,
			MaxAttempts:     3,
			ResyncSchedule:  "@every 5m",
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Port:    8080,
		},
		Inbox: InboxConfig{
			Enabled:  false,
			Debounce: 200 * time.Millisecond,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load resolves the configuration into v. configFile may be empty to search
// the default locations. A missing config file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("shopsync")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers every default with v so environment variables can
// override any key.
func SetDefaults(v *viper.Viper) {
	for key, value := range flatten("", Default().Settings()) {
		v.SetDefault(key, value)
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Remote.Kind {
	case RemoteNone, RemoteMemory:
	case RemoteMongo:
		if c.Remote.URI == "" {
			return fmt.Errorf("remote.uri is required for the mongo remote")
		}
		if c.Remote.Database == "" {
			return fmt.Errorf("remote.database is required for the mongo remote")
		}
	default:
		return fmt.Errorf("unknown remote.kind %q (want none, memory or mongo)", c.Remote.Kind)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1 (got %d)", c.Sync.MaxAttempts)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535 (got %d)", c.Dashboard.Port)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// DBPath is the local SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "shopsync.db")
}

// InboxDir is the watched drop directory, defaulting to inbox/ under the
// data directory.
func (c *Config) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// Settings returns the configuration as nested maps with durations rendered
// as strings, the shape written by config init and printed by config show.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"remote": map[string]any{
			"kind":     c.Remote.Kind,
			"uri":      c.Remote.URI,
			"database": c.Remote.Database,
			"timeout":  c.Remote.Timeout.String(),
		},
		"sync": map[string]any{
			"debounce":          c.Sync.Debounce.String(),
			"rate_limit":        c.Sync.RateLimit.String(),
			"settle_delay":      c.Sync.SettleDelay.String(),
			"probe_interval":    c.Sync.ProbeInterval.String(),
			"probe_timeout":     c.Sync.ProbeTimeout.String(),
			"retry_backoff":     c.Sync.RetryBackoff.String(),
			"max_retry_backoff": c.Sync.MaxRetryBackoff.String(),
			"max_attempts":      c.Sync.MaxAttempts,
			"resync_schedule":   c.Sync.ResyncSchedule,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"inbox": map[string]any{
			"enabled":             c.Inbox.Enabled,
			"dir":                 c.Inbox.Dir,
			"debounce":            c.Inbox.Debounce.String(),
			"remove_after_import": c.Inbox.RemoveAfterImport,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
	}
}

// flatten turns nested maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
