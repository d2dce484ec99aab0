// Package config loads receiptsync settings from defaults, an optional YAML
// file and RECEIPTSYNC_* environment variables, in increasing precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/sync/conflict"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RECEIPTSYNC"
	// FileName is the config file looked up when no path is given.
	FileName = "receiptsync"
)

// Config is the full set of settings.
type Config struct {
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// RemoteConfig locates the remote API.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HealthPath string        `mapstructure:"health_path" yaml:"health_path"`
}

// SyncConfig tunes the coordinator and scheduler.
type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Strategy   string        `mapstructure:"strategy" yaml:"strategy"`
	PageSize   int           `mapstructure:"page_size" yaml:"page_size"`
}

// ConnectivityConfig tunes the health probe.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// CacheConfig bounds the cache.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxBytes int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// LogConfig selects the log level and optional rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultDataDir returns ~/.receiptsync, or .receiptsync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".receiptsync"
	}
	return filepath.Join(home, ".receiptsync")
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Remote: RemoteConfig{
			Timeout:    10 * time.Second,
			HealthPath: "/health",
		},
		Sync: SyncConfig{
			Interval:   30 * time.Second,
			MaxRetries: 3,
			Strategy:   string(conflict.StrategyTimestamp),
			PageSize:   50,
		},
		Connectivity: ConnectivityConfig{ProbeInterval: 5 * time.Second},
		Cache: CacheConfig{
			TTL:      24 * time.Hour,
			MaxBytes: 50 << 20,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.health_path", d.Remote.HealthPath)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Strategy returns the parsed conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	s, err := conflict.ParseStrategy(c.Sync.Strategy)
	if err != nil {
		return conflict.StrategyTimestamp
	}
	return s
}

// HealthURL is the URL the connectivity probe polls.
func (c *Config) HealthURL() string {
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/" + strings.TrimLeft(c.Remote.HealthPath, "/")
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.LogLevel {
	l, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return l
}

func invalid(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataDir) == "":
		return invalid("data_dir is required")
	case c.Remote.Timeout <= 0:
		return invalid("remote.timeout must be positive, got %s", c.Remote.Timeout)
	case c.Sync.Interval <= 0:
		return invalid("sync.interval must be positive, got %s", c.Sync.Interval)
	case c.Sync.MaxRetries <= 0:
		return invalid("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	case c.Sync.PageSize <= 0:
		return invalid("sync.page_size must be positive, got %d", c.Sync.PageSize)
	case c.Connectivity.ProbeInterval <= 0:
		return invalid("connectivity.probe_interval must be positive, got %s", c.Connectivity.ProbeInterval)
	case c.Cache.TTL <= 0:
		return invalid("cache.ttl must be positive, got %s", c.Cache.TTL)
	case c.Cache.MaxBytes <= 0:
		return invalid("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if _, err := conflict.ParseStrategy(c.Sync.Strategy); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "sync.strategy", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "log.level", err)
	}
	return nil
}

// YAML renders c as a config file.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "render config", err)
	}
	return out, nil
}

// WriteFile writes c to path, creating parent directories. An existing file
// is only replaced when overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return invalid("%s already exists", path)
		}
	}
	out, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create config directory", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "write config", err)
	}
	return nil
}

// Manager owns a loaded configuration and reloads it when the file changes.
type Manager struct {
	v  *viper.Viper
	mu sync.RWMutex
	c  *Config
}

// Load reads the configuration. An explicit path must exist; without one,
// receiptsync.yaml is looked up in the working directory and the default data
// directory, and its absence is not an error.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config", err)
		}
	}

	m := &Manager{v: v}
	c, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.c = c
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	var c Config
	if err := m.v.Unmarshal(&c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "decode config", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.c
}

// File returns the config file in use, or "" when running on defaults.
func (m *Manager) File() string {
	return m.v.ConfigFileUsed()
}

// Watch calls fn with every valid configuration written to the file.
// Invalid edits are logged and the previous configuration stays current.
func (m *Manager) Watch(fn func(*Config)) {
	if m.File() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if c, ok := m.reload(e); ok && fn != nil {
			fn(c)
		}
	})
	m.v.WatchConfig()
}

func (m *Manager) reload(e fsnotify.Event) (*Config, bool) {
	c, err := m.decode()
	if err != nil {
		logging.WarnWithCode("Config reload rejected", string(apperrors.ErrConfigInvalid), err, map[string]interface{}{
			"file": e.Name,
			"op":   e.Op.String(),
		})
		return nil, false
	}
	m.mu.Lock()
	m.c = c
	m.mu.Unlock()
	logging.Info("Config reloaded", map[string]interface{}{
		"file": e.Name,
	})
	return c, true
}
