package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.StoreDSN != "memory://" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.WindowPast != 180*24*time.Hour || cfg.WindowFuture != 365*24*time.Hour {
		t.Fatalf("window defaults = %v / %v", cfg.WindowPast, cfg.WindowFuture)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	content := `
listen: ":9090"
publicBaseUrl: "https://calsync.example.com/"
storeDsn: "postgres://localhost/calsync"
workers: 8
renewLead: 6h
google:
  clientId: "gid"
  clientSecret: "gsecret"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.StoreDSN != "postgres://localhost/calsync" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Workers != 8 || cfg.RenewLead != 6*time.Hour {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Google.ClientID != "gid" {
		t.Fatalf("google = %+v", cfg.Google)
	}
	// Untouched fields keep their defaults.
	if cfg.QueueDSN != "memory://" || cfg.MaxAttempts != 5 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWebhookURL(t *testing.T) {
	cfg := Config{PublicBaseURL: "https://calsync.example.com/"}
	if got := cfg.WebhookURL("/hooks/google"); got != "https://calsync.example.com/hooks/google" {
		t.Fatalf("url = %q", got)
	}
	if got := (Config{}).WebhookURL("hooks/google"); got != "" {
		t.Fatalf("url without base = %q", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte(`logLevel: "info"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan Config, 4)
	stop, err := Watch(path, func(cfg Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer func() { _ = stop() }()

	if err := os.WriteFile(path, []byte(`logLevel: "debug"`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Fatalf("reloaded level = %q", cfg.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload observed")
	}
}
