// Package config loads, validates and hot-reloads the leetbuddy daemon
// configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Observer tunes page observation and metadata lookup.
	Observer ObserverConfig `toml:"observer" json:"observer" yaml:"observer"`

	// Storage selects the shared key-value store backend.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	Ledger LedgerConfig `toml:"ledger" json:"ledger" yaml:"ledger"`

	// IPC configures the socket tabs, panels and the CLI connect to.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Chat configures the coaching model.
	Chat ChatConfig `toml:"chat" json:"chat" yaml:"chat"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ObserverConfig holds page observer settings.
type ObserverConfig struct {
	// DebounceMs is the quiet period after the last page mutation before
	// detection runs.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// GraphQLEndpoint is the problem metadata endpoint.
	GraphQLEndpoint string `toml:"graphql_endpoint" json:"graphql_endpoint" yaml:"graphql_endpoint"`

	// SiteOrigin is sent as Origin and Referer with metadata requests.
	SiteOrigin string `toml:"site_origin" json:"site_origin" yaml:"site_origin"`

	// FetchTimeoutSec bounds a metadata request. Zero leaves it to the
	// HTTP client defaults.
	FetchTimeoutSec int `toml:"fetch_timeout_sec" json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// BreakerFailures consecutive failures open the fetch circuit breaker.
	BreakerFailures int `toml:"breaker_failures" json:"breaker_failures" yaml:"breaker_failures"`

	// BreakerOpenSec is how long an open breaker skips straight to fallback.
	BreakerOpenSec int `toml:"breaker_open_sec" json:"breaker_open_sec" yaml:"breaker_open_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database file for sqlite.
	Path string `toml:"path" json:"path" yaml:"path"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LedgerConfig holds submission ledger settings.
type LedgerConfig struct {
	// MaxRecords caps each problem's history, dropping the oldest. Zero
	// keeps everything.
	MaxRecords int `toml:"max_records" json:"max_records" yaml:"max_records"`
}

// IPCConfig holds socket server settings.
type IPCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal mode applied to the socket file.
	Permissions    string `toml:"permissions" json:"permissions" yaml:"permissions"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// MailboxSize is how many messages may queue per subscriber.
	MailboxSize int `toml:"mailbox_size" json:"mailbox_size" yaml:"mailbox_size"`
}

// ChatConfig holds model settings.
type ChatConfig struct {
	Model    string `toml:"model" json:"model" yaml:"model"`
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// APIKey, when set, is written to the store at startup.
	APIKey string `toml:"api_key" json:"api_key" yaml:"api_key"`

	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	Namespace  string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Observer: ObserverConfig{
			DebounceMs:      120,
			GraphQLEndpoint: "https://leetcode.com/graphql",
			SiteOrigin:      "https://leetcode.com",
			FetchTimeoutSec: 0,
			BreakerFailures: 5,
			BreakerOpenSec:  30,
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "leetbuddy.db"),
			BusyTimeoutMs: 5000,
		},
		Ledger: LedgerConfig{MaxRecords: 0},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     DefaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 32,
			TimeoutSec:     30,
			MailboxSize:    256,
		},
		Chat: ChatConfig{
			Model:      "gemini-2.5-flash",
			Endpoint:   "https://generativelanguage.googleapis.com",
			TimeoutSec: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(LogDir(), "leetbuddyd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
			Namespace:  "leetbuddy",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the configuration at path, choosing the decoder by extension.
// A missing file yields the defaults. Environment overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// LoadOrCreate loads path, writing the defaults there first if it does not
// exist. created reports whether the file was written.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}
	cfg, err = Load(path)
	return cfg, false, err
}

// SaveConfig writes cfg to path in the format its extension names.
func SaveConfig(cfg *Config, path string) error {
	var buf bytes.Buffer
	switch filepath.Ext(path) {
	case ".json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode JSON: %w", err)
		}
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode YAML: %w", err)
		}
		enc.Close()
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode TOML: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies LEETBUDDY_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	num("LEETBUDDY_DEBOUNCE_MS", &c.Observer.DebounceMs)
	str("LEETBUDDY_GRAPHQL_ENDPOINT", &c.Observer.GraphQLEndpoint)
	str("LEETBUDDY_STORAGE_TYPE", &c.Storage.Type)
	str("LEETBUDDY_STORAGE_PATH", &c.Storage.Path)
	num("LEETBUDDY_LEDGER_MAX_RECORDS", &c.Ledger.MaxRecords)
	str("LEETBUDDY_SOCKET_PATH", &c.IPC.SocketPath)
	str("LEETBUDDY_CHAT_MODEL", &c.Chat.Model)
	str("LEETBUDDY_API_KEY", &c.Chat.APIKey)
	str("LEETBUDDY_LOG_LEVEL", &c.Logging.Level)
	str("LEETBUDDY_LOG_FORMAT", &c.Logging.Format)
	str("LEETBUDDY_LOG_PATH", &c.Logging.FilePath)
	str("LEETBUDDY_METRICS_ADDR", &c.Metrics.ListenAddr)
	if v := os.Getenv("LEETBUDDY_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Debounce returns the observer debounce as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Observer.DebounceMs) * time.Millisecond
}

// FetchTimeout returns the metadata request timeout, zero for none.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Observer.FetchTimeoutSec) * time.Second
}

// BreakerOpenTimeout returns how long the fetch breaker stays open.
func (c *Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.Observer.BreakerOpenSec) * time.Second
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// IPCTimeout returns the per-connection idle timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// SocketMode parses IPC.Permissions.
func (c *Config) SocketMode() os.FileMode {
	m, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0o600
	}
	return os.FileMode(m)
}
