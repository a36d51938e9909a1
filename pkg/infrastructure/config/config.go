package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. DOCSYNC_SYNC_DELAY
	EnvPrefix = "DOCSYNC"

	// DefaultConfigName is the file name looked up in the home directory
	DefaultConfigName = "config.yaml"

	mib = 1024 * 1024
)

// Config holds all docsync configuration
type Config struct {
	Home string     `mapstructure:"home"`
	Log  LogConfig  `mapstructure:"log"`
	Sync SyncConfig `mapstructure:"sync"`
	API  APIConfig  `mapstructure:"api"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig holds the engine tuning knobs. Durations expressed in seconds
// are kept as integers and converted by the helper methods.
type SyncConfig struct {
	HandshakeTimeout  int           `mapstructure:"handshake_timeout"`
	Timeout           int           `mapstructure:"timeout"`
	MaxErrors         int           `mapstructure:"max_errors"`
	ErrorInterval     int           `mapstructure:"error_interval"`
	Delay             int           `mapstructure:"delay"`
	MaxSyncStep       int           `mapstructure:"max_sync_step"`
	MaxFileProcessors int           `mapstructure:"max_file_processors"`
	NoFSCheck         bool          `mapstructure:"nofscheck"`
	SSLVerify         bool          `mapstructure:"ssl_verify"`
	CABundle          string        `mapstructure:"ca_bundle"`
	DatabaseBatchSize int           `mapstructure:"database_batch_size"`
	ChunkSize         int64         `mapstructure:"chunk_size"`
	ChunkLimit        int64         `mapstructure:"chunk_limit"`
	UseTrash          bool          `mapstructure:"use_trash"`
	LocalRollback     bool          `mapstructure:"local_rollback"`
	SyncDeletion      bool          `mapstructure:"sync_deletion"`
	BigFile           int64         `mapstructure:"big_file"`
	BackupInterval    time.Duration `mapstructure:"backup_interval"`
}

// APIConfig holds the local status API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HandshakeTimeoutDuration is the dial + TLS handshake timeout
func (s SyncConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// TimeoutDuration is the timeout of a whole HTTP request
func (s SyncConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ErrorIntervalDuration is the base delay between two attempts on a failing pair
func (s SyncConfig) ErrorIntervalDuration() time.Duration {
	return time.Duration(s.ErrorInterval) * time.Second
}

// DelayDuration is the remote polling interval
func (s SyncConfig) DelayDuration() time.Duration {
	return time.Duration(s.Delay) * time.Second
}

// DefaultHome returns ~/.docsync
func DefaultHome() string {
	home, err := homedir.Dir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".docsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", DefaultHome())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("sync.handshake_timeout", 60)
	v.SetDefault("sync.timeout", 30)
	v.SetDefault("sync.max_errors", 3)
	v.SetDefault("sync.error_interval", 60)
	v.SetDefault("sync.delay", 30)
	v.SetDefault("sync.max_sync_step", 10)
	v.SetDefault("sync.max_file_processors", 10)
	v.SetDefault("sync.nofscheck", false)
	v.SetDefault("sync.ssl_verify", true)
	v.SetDefault("sync.ca_bundle", "")
	v.SetDefault("sync.database_batch_size", 256)
	v.SetDefault("sync.chunk_size", 20*mib)
	v.SetDefault("sync.chunk_limit", 20*mib)
	v.SetDefault("sync.use_trash", true)
	v.SetDefault("sync.local_rollback", false)
	v.SetDefault("sync.sync_deletion", true)
	v.SetDefault("sync.big_file", 300*mib)
	v.SetDefault("sync.backup_interval", "24h")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8339")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns a configuration with the built-in defaults only
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := decode(v)
	return cfg
}

// LoadConfig loads configuration from file with environment variable
// overrides. An empty or missing path yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	expanded, err := homedir.Expand(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to expand home: %w", err)
	}
	cfg.Home = expanded
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory cannot be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	s := c.Sync
	if s.Timeout <= 0 || s.HandshakeTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if s.Delay <= 0 {
		return fmt.Errorf("sync delay must be positive")
	}
	if s.MaxErrors < 1 {
		return fmt.Errorf("max_errors must be at least 1")
	}
	if s.ErrorInterval < 1 {
		return fmt.Errorf("error_interval must be at least 1 second")
	}
	if s.MaxFileProcessors < 2 {
		return fmt.Errorf("max_file_processors must be at least 2")
	}
	if s.ChunkSize <= 0 || s.ChunkLimit <= 0 {
		return fmt.Errorf("chunk_size and chunk_limit must be positive")
	}
	if s.DatabaseBatchSize <= 0 {
		return fmt.Errorf("database_batch_size must be positive")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}

// SaveToFile writes the configuration, the format follows the file extension
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.Set("home", c.Home)
	v.Set("log", map[string]interface{}{
		"level":        c.Log.Level,
		"format":       c.Log.Format,
		"file":         c.Log.File,
		"max_size_mb":  c.Log.MaxSizeMB,
		"max_backups":  c.Log.MaxBackups,
		"max_age_days": c.Log.MaxAgeDays,
	})
	v.Set("sync", map[string]interface{}{
		"handshake_timeout":   c.Sync.HandshakeTimeout,
		"timeout":             c.Sync.Timeout,
		"max_errors":          c.Sync.MaxErrors,
		"error_interval":      c.Sync.ErrorInterval,
		"delay":               c.Sync.Delay,
		"max_sync_step":       c.Sync.MaxSyncStep,
		"max_file_processors": c.Sync.MaxFileProcessors,
		"nofscheck":           c.Sync.NoFSCheck,
		"ssl_verify":          c.Sync.SSLVerify,
		"ca_bundle":           c.Sync.CABundle,
		"database_batch_size": c.Sync.DatabaseBatchSize,
		"chunk_size":          c.Sync.ChunkSize,
		"chunk_limit":         c.Sync.ChunkLimit,
		"use_trash":           c.Sync.UseTrash,
		"local_rollback":      c.Sync.LocalRollback,
		"sync_deletion":       c.Sync.SyncDeletion,
		"big_file":            c.Sync.BigFile,
		"backup_interval":     c.Sync.BackupInterval.String(),
	})
	v.Set("api", map[string]interface{}{
		"enabled": c.API.Enabled,
		"listen":  c.API.Listen,
	})

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(DefaultHome(), DefaultConfigName)
}
