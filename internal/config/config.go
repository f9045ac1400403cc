package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds settings for the external execution agent invocation.
type AgentConfig struct {
	// Command is the executable that performs the actual fix attempt. It
	// receives the task description on stdin and must print a JSON result
	// on stdout. The agent is opaque to fixwell.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// WorkDir is the directory the agent runs in. Fixes are serialized, so
	// a single working directory is safe.
	WorkDir string `yaml:"work_dir"`
	// TimeoutSeconds bounds a single agent run. Default 600.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ConsumerConfig controls the periodic queue consumer.
type ConsumerConfig struct {
	// Schedule is a standard 5-field cron expression for consumer
	// invocations. Default "* * * * *" (every minute). Retried tasks get
	// no extra delay; the cadence itself is the backoff.
	Schedule string `yaml:"schedule"`
	// MaxAttempts is the total attempt ceiling before a task is finalized
	// as failed. Default 3.
	MaxAttempts int `yaml:"max_attempts"`
	// CallbackURL is where outcome reports are posted. Empty means
	// "http://<bind_addr>/api/callback" (single-process deployment).
	CallbackURL string `yaml:"callback_url"`
}

// RateLimitConfig controls per-source request throttling on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// TelegramConfig configures the operator alert channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// NotifyConfig groups operator notification channels.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// WebhookSecret is the shared HMAC secret for inbound platform events.
	// Admission fails closed when it is empty.
	WebhookSecret string `yaml:"webhook_secret"`
	// CallbackToken is the bearer token for the callback and enqueue APIs.
	// Generated on first run and persisted to <home>/auth.token when unset.
	CallbackToken string `yaml:"callback_token"`

	// DefaultPRLimit applies to tenants without an explicit plan limit.
	DefaultPRLimit int `yaml:"default_pr_limit"`

	Agent     AgentConfig     `yaml:"agent"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1:18790",
		LogLevel:       "info",
		DefaultPRLimit: 5,
		Agent: AgentConfig{
			TimeoutSeconds: 600,
		},
		Consumer: ConsumerConfig{
			Schedule:    "* * * * *",
			MaxAttempts: 3,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FIXWELL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fixwell")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fixwell home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultPRLimit == 0 {
		cfg.DefaultPRLimit = 5
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = 600
	}
	if strings.TrimSpace(cfg.Consumer.Schedule) == "" {
		cfg.Consumer.Schedule = "* * * * *"
	}
	if cfg.Consumer.MaxAttempts <= 0 {
		cfg.Consumer.MaxAttempts = 3
	}
	if cfg.Consumer.CallbackURL == "" {
		cfg.Consumer.CallbackURL = "http://" + cfg.BindAddr + "/api/callback"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FIXWELL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FIXWELL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WEBHOOK_SECRET"); raw != "" {
		cfg.WebhookSecret = raw
	}
	if raw := os.Getenv("CALLBACK_TOKEN"); raw != "" {
		cfg.CallbackToken = raw
	}
	if raw := os.Getenv("FIXWELL_DEFAULT_PR_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultPRLimit = v
		}
	}
	if raw := os.Getenv("FIXWELL_AGENT_CMD"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("FIXWELL_AGENT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("FIXWELL_CONSUMER_SCHEDULE"); raw != "" {
		cfg.Consumer.Schedule = raw
	}
	if raw := os.Getenv("FIXWELL_CALLBACK_URL"); raw != "" {
		cfg.Consumer.CallbackURL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the active config, exposed on
// /healthz so operators can confirm which config a daemon is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|limit=%d|schedule=%s|attempts=%d|agent=%s|timeout=%d",
		c.BindAddr, c.LogLevel, c.DefaultPRLimit,
		c.Consumer.Schedule, c.Consumer.MaxAttempts,
		c.Agent.Command, c.Agent.TimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
