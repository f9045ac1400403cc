package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/fixwell/internal/config"
)

func loadWithHome(t *testing.T, yamlBody string) config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FIXWELL_HOME", home)
	if yamlBody != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadWithHome(t, "")

	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr default: %q", cfg.BindAddr)
	}
	if cfg.DefaultPRLimit != 5 {
		t.Fatalf("default_pr_limit default: %d", cfg.DefaultPRLimit)
	}
	if cfg.Agent.TimeoutSeconds != 600 {
		t.Fatalf("agent timeout default: %d", cfg.Agent.TimeoutSeconds)
	}
	if cfg.Consumer.Schedule != "* * * * *" || cfg.Consumer.MaxAttempts != 3 {
		t.Fatalf("consumer defaults: %+v", cfg.Consumer)
	}
	if cfg.Consumer.CallbackURL != "http://127.0.0.1:18790/api/callback" {
		t.Fatalf("callback_url default: %q", cfg.Consumer.CallbackURL)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 60 || cfg.RateLimit.BurstSize != 10 {
		t.Fatalf("rate limit defaults: %+v", cfg.RateLimit)
	}
}

func TestLoad_YAMLOverridesAndNormalize(t *testing.T) {
	cfg := loadWithHome(t, `
bind_addr: "0.0.0.0:9999"
default_pr_limit: 20
agent:
  command: "repair-agent"
  timeout_seconds: -5
consumer:
  schedule: "*/5 * * * *"
  max_attempts: 0
`)

	if cfg.BindAddr != "0.0.0.0:9999" || cfg.DefaultPRLimit != 20 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Agent.Command != "repair-agent" {
		t.Fatalf("agent command: %q", cfg.Agent.Command)
	}
	// Nonsense values fall back to defaults.
	if cfg.Agent.TimeoutSeconds != 600 {
		t.Fatalf("negative timeout not normalized: %d", cfg.Agent.TimeoutSeconds)
	}
	if cfg.Consumer.MaxAttempts != 3 {
		t.Fatalf("zero max_attempts not normalized: %d", cfg.Consumer.MaxAttempts)
	}
	if cfg.Consumer.CallbackURL != "http://0.0.0.0:9999/api/callback" {
		t.Fatalf("callback_url should follow bind_addr: %q", cfg.Consumer.CallbackURL)
	}
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("FIXWELL_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("WEBHOOK_SECRET", "env-secret")
	t.Setenv("FIXWELL_AGENT_TIMEOUT_SECONDS", "120")
	t.Setenv("FIXWELL_CONSUMER_SCHEDULE", "*/2 * * * *")

	cfg := loadWithHome(t, `
bind_addr: "0.0.0.0:9999"
webhook_secret: "yaml-secret"
`)

	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("env bind_addr lost: %q", cfg.BindAddr)
	}
	if cfg.WebhookSecret != "env-secret" {
		t.Fatalf("env webhook_secret lost: %q", cfg.WebhookSecret)
	}
	if cfg.Agent.TimeoutSeconds != 120 {
		t.Fatalf("env agent timeout lost: %d", cfg.Agent.TimeoutSeconds)
	}
	if cfg.Consumer.Schedule != "*/2 * * * *" {
		t.Fatalf("env schedule lost: %q", cfg.Consumer.Schedule)
	}
}

func TestFingerprint_TracksOperationalSettings(t *testing.T) {
	base := loadWithHome(t, "")
	same := base

	if base.Fingerprint() != same.Fingerprint() {
		t.Fatal("identical configs must fingerprint identically")
	}

	changed := base
	changed.Consumer.Schedule = "*/10 * * * *"
	if base.Fingerprint() == changed.Fingerprint() {
		t.Fatal("schedule change must alter the fingerprint")
	}

	// Secrets stay out of the fingerprint.
	secretChanged := base
	secretChanged.WebhookSecret = "different"
	if base.Fingerprint() != secretChanged.Fingerprint() {
		t.Fatal("secret change must not leak into the fingerprint")
	}
}
