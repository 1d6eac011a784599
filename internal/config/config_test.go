package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://ops.example.com/api/")
	t.Setenv("PUSH_URL", "wss://ops.example.com/ws")

	cfg := FromEnv()

	if cfg.APIBaseURL != "https://ops.example.com/api" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.PushAuthParam != "token" {
		t.Errorf("expected default auth param token, got %q", cfg.PushAuthParam)
	}
	if cfg.FallbackGrace != 8*time.Second || cfg.FallbackInterval != 20*time.Second {
		t.Errorf("unexpected fallback timings: grace=%s interval=%s", cfg.FallbackGrace, cfg.FallbackInterval)
	}
	if cfg.ReconnectInitialDelay != 800*time.Millisecond || cfg.ReconnectMaxDelay != 12*time.Second {
		t.Errorf("unexpected reconnect delays: %s/%s", cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestFromEnvInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("FALLBACK_GRACE", "soon")

	cfg := FromEnv()

	if cfg.FallbackGrace != DefaultFallbackGrace {
		t.Errorf("expected default grace, got %s", cfg.FallbackGrace)
	}
}

func TestValidateReportsMissingURLs(t *testing.T) {
	cfg := &Config{
		FallbackGrace:         time.Second,
		FallbackInterval:      time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     time.Second,
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "API_BASE_URL") || !strings.Contains(err.Error(), "PUSH_URL") {
		t.Errorf("expected both URLs reported, got %v", err)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{CORSAllowedOrigins: " http://a.test, ,http://b.test "}

	origins := cfg.AllowedOrigins()

	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		t.Errorf("unexpected origins: %v", origins)
	}
}

func TestLoadOverlaysConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsdash.yaml")
	content := "api_base_url: https://file.example.com/\npush_url: wss://file.example.com/ws\nnats_subject_prefix: tower.alerts\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_BASE_URL", "")
	t.Setenv("PUSH_URL", "wss://env.example.com/ws")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://file.example.com" {
		t.Errorf("expected file API URL, got %q", cfg.APIBaseURL)
	}
	if cfg.PushURL != "wss://env.example.com/ws" {
		t.Errorf("expected env to win for push URL, got %q", cfg.PushURL)
	}
	if cfg.NatsSubjectPrefix != "tower.alerts" {
		t.Errorf("expected file subject prefix, got %q", cfg.NatsSubjectPrefix)
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err != nil {
		t.Fatalf("expected missing config file to be tolerated, got %v", err)
	}
}
