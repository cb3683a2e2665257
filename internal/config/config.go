package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TokenEnv overrides Gateway.Token when set.
const TokenEnv = "WPPDESK_TOKEN"

// Config represents the global ~/.wppdesk/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Gateway        Gateway `toml:"gateway"`
	Sync           Sync    `toml:"sync"`
	Notify         Notify  `toml:"notify"`
	Assign         Assign  `toml:"assign"`
	Daemon         Daemon  `toml:"daemon"`
}

// Gateway locates the external messaging gateway.
type Gateway struct {
	BaseURL  string `toml:"base_url"`
	PushPath string `toml:"push_path"`
	Token    string `toml:"token"`
}

// Sync tunes the connection, polling and caching behavior.
type Sync struct {
	PageSize             int           `toml:"page_size"`
	RefreshInterval      time.Duration `toml:"refresh_interval"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	ReconnectInterval    time.Duration `toml:"reconnect_interval"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ListTTL              time.Duration `toml:"list_ttl"`
	HistoryTTL           time.Duration `toml:"history_ttl"`
	PictureTTL           time.Duration `toml:"picture_ttl"`
}

// Notify configures the notification rate limit.
type Notify struct {
	MinInterval time.Duration `toml:"min_interval"`
}

// Assign configures the chat assignment queue.
type Assign struct {
	Timeout time.Duration `toml:"timeout"`
}

// Daemon holds process-level settings.
type Daemon struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "http://127.0.0.1:3000"
	}
	if c.Gateway.PushPath == "" {
		c.Gateway.PushPath = "/ws"
	}
	s := &c.Sync
	if s.PageSize <= 0 {
		s.PageSize = 50
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = 30 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = 3 * time.Second
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = 5
	}
	if s.ListTTL <= 0 {
		s.ListTTL = 15 * time.Second
	}
	if s.HistoryTTL <= 0 {
		s.HistoryTTL = 10 * time.Second
	}
	if s.PictureTTL <= 0 {
		s.PictureTTL = 10 * time.Minute
	}
	if c.Notify.MinInterval <= 0 {
		c.Notify.MinInterval = time.Second
	}
	if c.Assign.Timeout <= 0 {
		c.Assign.Timeout = 30 * time.Second
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Gateway.Token = tok
	}
	return &cfg, nil
}

// LoadOrDefault is Load, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if tok := os.Getenv(TokenEnv); tok != "" {
			cfg.Gateway.Token = tok
		}
		return cfg, nil
	}
	return cfg, err
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
