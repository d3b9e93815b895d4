package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"propline/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Server.Addr != ":8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Runs.MaxActivePerProperty != 4 {
		t.Fatalf("unexpected run cap: %d", cfg.Runs.MaxActivePerProperty)
	}
	if cfg.Runs.DefaultWorkflow != "maintenance_triage" {
		t.Fatalf("unexpected default workflow: %s", cfg.Runs.DefaultWorkflow)
	}
	if got := cfg.StreamPollInterval(); got != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", got)
	}
	sevs := cfg.NotifySeverities()
	if len(sevs) != 2 || sevs[0] != "high" || sevs[1] != "critical" {
		t.Fatalf("unexpected notify severities: %v", sevs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	raw := `server:
  addr: ":9999"
runs:
  max_active_per_property: 2
  stream_poll_millis: 100
exceptions:
  notify_severities: [critical]
webhooks:
  - url: https://example.com/hook
    secret: s3cret
    events: [exception.raised]
`
	if err := os.WriteFile(filepath.Join(dir, "propline.yml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Runs.MaxActivePerProperty != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if got := cfg.StreamPollInterval(); got != 100*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", got)
	}
	if sevs := cfg.NotifySeverities(); len(sevs) != 1 || sevs[0] != "critical" {
		t.Fatalf("unexpected severities: %v", sevs)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhook not parsed: %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, raw := range []string{
		"runs:\n  max_active_per_property: -1\n",
		"runs:\n  stream_poll_millis: -5\n",
		"exceptions:\n  notify_severities: [urgent]\n",
		"webhooks:\n  - secret: x\n",
	} {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("expected validation error for %q", raw)
		}
	}
	if _, err := config.FromYAML([]byte("server: [not a map]")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default must parse: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path: %s", cfg.Server.BasePath)
	}
}
