package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppPort != 8080 {
		t.Fatalf("expected default port 8080 got %d", cfg.AppPort)
	}
	if cfg.Polling.Interval != 4*time.Second || cfg.Polling.ErrorInterval != 5*time.Second {
		t.Fatalf("unexpected polling defaults: %+v", cfg.Polling)
	}
	if cfg.Quota.DefaultVideoLimit != 5 || cfg.Quota.DefaultImageLimit != 10 {
		t.Fatalf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if cfg.ObjectStore.Enabled() {
		t.Fatal("expected object store to be disabled without a bucket")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := []byte(`
port: 9090
logLevel: debug
providers:
  videoModel: sora-2-pro
polling:
  interval: 2s
quota:
  strict: false
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OMNISTUDIO_PORT", "7070")
	t.Setenv("OMNISTUDIO_VIDEO_API_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppPort != 7070 {
		t.Fatalf("expected env override for port got %d", cfg.AppPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from file got %q", cfg.LogLevel)
	}
	if cfg.Providers.VideoModel != "sora-2-pro" || cfg.Providers.VideoAPIKey != "secret" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers.VideoModel)
	}
	if cfg.Polling.Interval != 2*time.Second {
		t.Fatalf("expected poll interval from file got %v", cfg.Polling.Interval)
	}
	if cfg.Polling.ErrorInterval != 5*time.Second {
		t.Fatalf("expected default error interval to survive got %v", cfg.Polling.ErrorInterval)
	}
	if cfg.Quota.Strict {
		t.Fatal("expected strict quota to be disabled by file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: [not-a-number"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetDurationFallback(t *testing.T) {
	t.Setenv("OMNISTUDIO_TEST_DURATION", "soon")
	if got := getDuration("OMNISTUDIO_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback got %v", got)
	}
}
