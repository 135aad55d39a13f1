package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	cfg.Remote.URL = "https://db.example.com"
	cfg.Outbox.SendTimeout = Duration{15 * time.Second}
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
	if loaded.Remote.URL != "https://db.example.com" {
		t.Errorf("Remote.URL = %q", loaded.Remote.URL)
	}
	if loaded.Outbox.SendTimeout.Duration != 15*time.Second {
		t.Errorf("Outbox.SendTimeout = %v, want 15s", loaded.Outbox.SendTimeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Outbox.SendTimeout.Duration != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", cfg.Outbox.SendTimeout)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Outbox.MaxAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadOrDefaultParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "work"

[remote]
url = "https://db.example.com"
user_id = "u1"

[realtime]
heartbeat = "15s"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Realtime.Heartbeat.Duration != 15*time.Second {
		t.Errorf("Heartbeat = %v, want 15s", cfg.Realtime.Heartbeat)
	}
	if cfg.Realtime.URL != "wss://db.example.com/realtime/v1/websocket" {
		t.Errorf("Realtime.URL = %q", cfg.Realtime.URL)
	}
	if cfg.Network.ProbeAddr != "db.example.com:443" {
		t.Errorf("ProbeAddr = %q", cfg.Network.ProbeAddr)
	}
	if err := cfg.ValidateDaemon(); err != nil {
		t.Errorf("ValidateDaemon() error = %v", err)
	}
}

func TestLoadOrDefaultRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Error("LoadOrDefault() expected error for unknown log level")
	}
}

func TestValidateDaemonRequiresIdentity(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateDaemon(); err == nil {
		t.Error("ValidateDaemon() expected error without remote url and user id")
	}
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://db.example.com", "wss://db.example.com/realtime/v1/websocket"},
		{"http://localhost:54321/", "ws://localhost:54321/realtime/v1/websocket"},
		{"not a url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := RealtimeURL(tt.in); got != tt.want {
				t.Errorf("RealtimeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGetSet(t *testing.T) {
	cfg := Default()
	if err := cfg.Set("outbox.send_timeout", "20s"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := cfg.Get("outbox.send_timeout"); got != "20s" {
		t.Errorf("Get(outbox.send_timeout) = %q, want 20s", got)
	}
	if err := cfg.Set("outbox.max_attempts", "7"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if cfg.Outbox.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.Outbox.MaxAttempts)
	}
	if err := cfg.Set("outbox.send_timeout", "soon"); err == nil {
		t.Error("Set() expected error for bad duration")
	}
	if err := cfg.Set("nope", "x"); err == nil {
		t.Error("Set() expected error for unknown key")
	}
	if err := cfg.Set("log.level", "loud"); err == nil {
		t.Error("Set() expected validation error")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
