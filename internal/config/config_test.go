package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Gateway.BaseURL = "https://gw.example.com"
	cfg.Sync.ReconnectInterval = 7 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Gateway.BaseURL != "https://gw.example.com" {
		t.Errorf("BaseURL = %q", loaded.Gateway.BaseURL)
	}
	if loaded.Sync.ReconnectInterval != 7*time.Second {
		t.Errorf("ReconnectInterval = %v, want 7s", loaded.Sync.ReconnectInterval)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_session = \"main\"\n[sync]\npage_size = 20\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.PageSize != 20 {
		t.Errorf("PageSize = %d, want 20", cfg.Sync.PageSize)
	}
	if cfg.Sync.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Sync.MaxReconnectAttempts)
	}
	if cfg.Sync.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Sync.HeartbeatInterval)
	}
	if cfg.Assign.Timeout != 30*time.Second {
		t.Errorf("Assign.Timeout = %v, want 30s", cfg.Assign.Timeout)
	}
	if cfg.Notify.MinInterval != time.Second {
		t.Errorf("Notify.MinInterval = %v, want 1s", cfg.Notify.MinInterval)
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "env-token")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Gateway.Token)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
