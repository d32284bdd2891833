// Package config loads daemon settings from a config file and SYNCD_* environment
// variables, and renders the effective settings as TOML or YAML.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/projgraph/syncd/internal/logging"
	"github.com/projgraph/syncd/internal/publish"
	"github.com/projgraph/syncd/internal/server"
	"github.com/projgraph/syncd/internal/watcher"
)

// EnvPrefix prefixes every environment variable, e.g. SYNCD_WATCHER_DEBOUNCE.
const EnvPrefix = "SYNCD"

type Config struct {
	DataDir         string `mapstructure:"data_dir" yaml:"data_dir" toml:"data_dir"`
	Addr            string `mapstructure:"addr" yaml:"addr" toml:"addr"`
	ProjectManifest string `mapstructure:"project_manifest" yaml:"project_manifest" toml:"project_manifest"`
	UserManifest    string `mapstructure:"user_manifest" yaml:"user_manifest" toml:"user_manifest"`
	CommandQueue    int    `mapstructure:"command_queue" yaml:"command_queue" toml:"command_queue"`
	Validate        bool   `mapstructure:"validate" yaml:"validate" toml:"validate"`

	Watcher   WatcherConfig   `mapstructure:"watcher" yaml:"watcher" toml:"watcher"`
	Publisher PublisherConfig `mapstructure:"publisher" yaml:"publisher" toml:"publisher"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal" toml:"journal"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
}

type WatcherConfig struct {
	Debounce      string `mapstructure:"debounce" yaml:"debounce" toml:"debounce"`
	GraceInterval string `mapstructure:"grace_interval" yaml:"grace_interval" toml:"grace_interval"`
	GraceRetries  int    `mapstructure:"grace_retries" yaml:"grace_retries" toml:"grace_retries"`
	BatchBuffer   int    `mapstructure:"batch_buffer" yaml:"batch_buffer" toml:"batch_buffer"`
}

type PublisherConfig struct {
	Queue            int    `mapstructure:"queue" yaml:"queue" toml:"queue"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	WriteTimeout     string `mapstructure:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
}

type JournalConfig struct {
	// Path "-" disables the journal; empty uses <data_dir>/journal.db.
	Path      string `mapstructure:"path" yaml:"path" toml:"path"`
	Retention string `mapstructure:"retention" yaml:"retention" toml:"retention"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Quiet      bool   `mapstructure:"quiet" yaml:"quiet" toml:"quiet"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "syncd")
	}
	return ".syncd"
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":                    DefaultDataDir(),
		"addr":                        "127.0.0.1:7447",
		"project_manifest":            "",
		"user_manifest":               "",
		"command_queue":               64,
		"validate":                    true,
		"watcher.debounce":            "100ms",
		"watcher.grace_interval":      "500ms",
		"watcher.grace_retries":       4,
		"watcher.batch_buffer":        16,
		"publisher.queue":             100,
		"publisher.subscriber_buffer": 64,
		"publisher.write_timeout":     "5s",
		"journal.path":                "",
		"journal.retention":           "168h",
		"log.file":                    "",
		"log.max_size_mb":             10,
		"log.max_backups":             3,
		"log.max_age_days":            28,
		"log.quiet":                   false,
	}
}

// DiscoverPath picks the config file: the flag, then $SYNCD_CONFIG, then
// config.toml in the default data directory.
func DiscoverPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// LoadWithEnv reads the config file at path, if it exists, and applies SYNCD_*
// environment overrides on top of it.
func LoadWithEnv(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults() {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ProjectManifest == "" {
		cfg.ProjectManifest = filepath.Join(cfg.DataDir, "projects.json")
	}
	if cfg.UserManifest == "" {
		cfg.UserManifest = filepath.Join(cfg.DataDir, "users.json")
	}
	return cfg, cfg.check()
}

// check parses every duration so that bad values fail at load time.
func (c *Config) check() error {
	for key, value := range map[string]string{
		"watcher.debounce":        c.Watcher.Debounce,
		"watcher.grace_interval":  c.Watcher.GraceInterval,
		"publisher.write_timeout": c.Publisher.WriteTimeout,
		"journal.retention":       c.Journal.Retention,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	return nil
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// LoggingConfig returns the log sink settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Quiet:      c.Log.Quiet,
	}
}

// ServerConfig builds the daemon configuration. Component loggers come from loggers.
func (c *Config) ServerConfig(loggers func(component string) *log.Logger) *server.Config {
	sc := server.DefaultConfig(c.DataDir)
	sc.Addr = c.Addr
	sc.ProjectManifest = c.ProjectManifest
	sc.UserManifest = c.UserManifest
	sc.CommandQueue = c.CommandQueue
	sc.Validate = c.Validate
	sc.JournalPath = c.Journal.Path
	sc.JournalRetention = duration(c.Journal.Retention)

	if loggers != nil {
		sc.Loggers = loggers
		sc.Logger = loggers("server")
	}

	sc.Watcher = watcher.DefaultConfig()
	sc.Watcher.Debounce = duration(c.Watcher.Debounce)
	sc.Watcher.GraceInterval = duration(c.Watcher.GraceInterval)
	sc.Watcher.GraceRetries = c.Watcher.GraceRetries
	sc.Watcher.BatchBuffer = c.Watcher.BatchBuffer

	sc.Publisher = publish.DefaultConfig()
	sc.Publisher.Queue = c.Publisher.Queue
	sc.Publisher.SubscriberBuffer = c.Publisher.SubscriberBuffer
	sc.Publisher.WriteTimeout = duration(c.Publisher.WriteTimeout)

	if loggers != nil {
		sc.Watcher.Logger = loggers("watcher")
		sc.Publisher.Logger = loggers("publish")
	}
	return sc
}

// Render encodes the config as "toml" or "yaml".
func (c *Config) Render(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "toml", "":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case "yaml", "yml":
		return yaml.Marshal(c)
	default:
		return nil, fmt.Errorf("unknown format %q (want toml or yaml)", format)
	}
}

// Save writes the config to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	data, err := cfg.Render(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
