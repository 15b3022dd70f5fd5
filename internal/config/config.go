package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	LogLevel       string `toml:"log_level"`

	Queue        QueueConfig        `toml:"queue"`
	Storage      StorageConfig      `toml:"storage"`
	Transport    TransportConfig    `toml:"transport"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
}

// QueueConfig tunes the outbound queue and the retry policy.
type QueueConfig struct {
	MaxQueueSize            int      `toml:"max_queue_size"`
	MaxRetries              int      `toml:"max_retries"`
	BaseDelay               Duration `toml:"base_delay"`
	MaxDelay                Duration `toml:"max_delay"`
	PersistInterval         Duration `toml:"persist_interval"`
	DrainInterval           Duration `toml:"drain_interval"`
	SentGrace               Duration `toml:"sent_grace"`
	ActionGrace             Duration `toml:"action_grace"`
	ShutdownTimeout         Duration `toml:"shutdown_timeout"`
	StrictConversationOrder bool     `toml:"strict_conversation_order"`
}

// StorageConfig selects the persistence provider for the queue blob.
type StorageConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "badger"
}

// TransportConfig configures the HTTP transport adapter.
type TransportConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// ConnectivityConfig configures the built-in reachability prober.
type ConnectivityConfig struct {
	ProbeURL      string   `toml:"probe_url"`
	ProbeInterval Duration `toml:"probe_interval"`
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Queue: QueueConfig{
			MaxQueueSize:    500,
			MaxRetries:      3,
			BaseDelay:       Duration{time.Second},
			MaxDelay:        Duration{5 * time.Minute},
			PersistInterval: Duration{10 * time.Second},
			DrainInterval:   Duration{30 * time.Second},
			SentGrace:       Duration{5 * time.Second},
			ActionGrace:     Duration{time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Storage: StorageConfig{Backend: BackendSQLite},
		Transport: TransportConfig{
			Timeout: Duration{15 * time.Second},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration{15 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the queue cannot run with.
func (c *Config) Validate() error {
	q := c.Queue
	switch {
	case q.MaxQueueSize <= 0:
		return fmt.Errorf("queue.max_queue_size must be positive, got %d", q.MaxQueueSize)
	case q.MaxRetries <= 0:
		return fmt.Errorf("queue.max_retries must be positive, got %d", q.MaxRetries)
	case q.BaseDelay.Duration <= 0:
		return fmt.Errorf("queue.base_delay must be positive")
	case q.MaxDelay.Duration < q.BaseDelay.Duration:
		return fmt.Errorf("queue.max_delay (%s) is below base_delay (%s)", q.MaxDelay, q.BaseDelay)
	case q.PersistInterval.Duration <= 0:
		return fmt.Errorf("queue.persist_interval must be positive")
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("storage.backend %q is not one of sqlite, badger", c.Storage.Backend)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
