package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "DEBUG", "console": true},
		"storage": {"driver": "file", "path": "./data"},
		"poster": {"flush_threshold": 25, "stop_timeout": "8s"},
		"proxies": ["socks5://127.0.0.1:1080"]
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Poster.FlushThreshold != 25 || cfg.Poster.StopTimeout != "8s" {
		t.Fatalf("poster = %+v", cfg.Poster)
	}
	if len(cfg.Proxies) != 1 {
		t.Fatalf("proxies = %v", cfg.Proxies)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: INFO
  console: true
storage:
  driver: sqlite
  path: ./drip.db
  busy_timeout: 2s
notifier:
  enabled: true
  workers: 3
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Notifier.Enabled || cfg.Notifier.Workers != 3 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"console": true}, "bogus_key": 1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"console": true}} {"again": 1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("poster.stop_timeout", "8s")
	if err != nil || d != 8*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationField("poster.stop_timeout", "not-a-duration"); err == nil {
		t.Fatal("invalid duration must error")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 15*time.Second)
	if err != nil || d != 15*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "1m", 15*time.Second)
	if err != nil || d != time.Minute {
		t.Fatalf("got %v %v", d, err)
	}
}
