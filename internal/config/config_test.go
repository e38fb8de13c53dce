package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paracord.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `jwt_secret = "s3cret"`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.HeartbeatInterval() != 45*time.Second {
		t.Errorf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	if cfg.Gateway.EventBufferSize != 4096 {
		t.Errorf("event buffer = %d", cfg.Gateway.EventBufferSize)
	}
	if !cfg.RegistrationEnabled {
		t.Error("registration should default on")
	}
	if !cfg.Limits.PresenceToSelf {
		t.Error("presence_to_self should default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
jwt_secret = "s3cret"
listen = ":9999"

[gateway]
heartbeat_interval_ms = 10000

[limits]
max_message_length = 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Errorf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	if cfg.Limits.MaxMessageLength != 100 {
		t.Errorf("max message length = %d", cfg.Limits.MaxMessageLength)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	path := writeConfig(t, `listen = ":9999"`)
	if _, err := Load(path); !errors.Is(err, ErrNoJWTSecret) {
		t.Fatalf("expected ErrNoJWTSecret, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error")
	}
}
