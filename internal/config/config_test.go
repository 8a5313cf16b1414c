package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
  "logging": {"level": "debug", "console": true},
  "gateway": {
    "rate_limit": {"max_per_window": 5, "window": "60s"},
    "retry": {"max_attempts": 3, "base_delay": "1s"}
  },
  "telegram": {"enabled": true, "token": "123:abc"}
}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Gateway.RateLimit.MaxPerWindow != 5 || cfg.Gateway.RateLimit.Window != "60s" {
		t.Fatalf("rate_limit = %+v", cfg.Gateway.RateLimit)
	}
	if cfg.Telegram == nil || !cfg.Telegram.Enabled || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
gateway:
  queue:
    max_concurrent: 2
    send_timeout: 5s
slack:
  enabled: true
  bot_token: xoxb-abc
  app_token: xapp-1-abc
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Gateway.Queue.MaxConcurrent != 2 || cfg.Gateway.Queue.SendTimeout != "5s" {
		t.Fatalf("queue = %+v", cfg.Gateway.Queue)
	}
	if cfg.Slack == nil || cfg.Slack.BotToken != "xoxb-abc" {
		t.Fatalf("slack = %+v", cfg.Slack)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"gateway": {"rate_limt": {"max_per_window": 5}}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("typo field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"console": true}} {"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing document accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	boolPtr := func(v bool) *bool { return &v }

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "telegram enabled without token",
			cfg:  Config{Telegram: &TelegramConfig{Enabled: true}},

			wantErr: "telegram.token",
		},
		{
			name:    "discord enabled without token",
			cfg:     Config{Discord: &DiscordConfig{Enabled: true}},
			wantErr: "discord.token",
		},
		{
			name:    "slack enabled without app token",
			cfg:     Config{Slack: &SlackConfig{Enabled: true, BotToken: "xoxb-abc"}},
			wantErr: "slack.app_token",
		},
		{
			name:    "bad gateway duration",
			cfg:     Config{Gateway: GatewayConfig{RateLimit: RateLimitConfig{Window: "sixty seconds"}}},
			wantErr: "gateway.rate_limit.window",
		},
		{
			name:    "negative duration",
			cfg:     Config{Gateway: GatewayConfig{Retry: RetryConfig{BaseDelay: "-1s"}}},
			wantErr: "gateway.retry.base_delay",
		},
		{
			name:    "bad maintenance duration",
			cfg:     Config{Maintenance: &MaintenanceConfig{Enabled: boolPtr(true), DeliveryRetention: "fortnight"}},
			wantErr: "maintenance.delivery_retention",
		},
		{
			name:    "unknown storage driver",
			cfg:     Config{Storage: &StorageConfig{Driver: "postgres", Path: "x"}},
			wantErr: "storage.driver",
		},
		{
			name: "valid full config",
			cfg: Config{
				Gateway:  GatewayConfig{RateLimit: RateLimitConfig{Window: "60s", Buffer: "500ms"}},
				Storage:  &StorageConfig{Driver: "file", Path: "./store"},
				Telegram: &TelegramConfig{Enabled: true, Token: "123:abc"},
			},
		},
		{
			name: "disabled platform needs no token",
			cfg:  Config{Telegram: &TelegramConfig{Enabled: false}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "  90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "later"); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"console": true}}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received stale config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestPublishDropsOldest(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"console": true}}`)
	m := NewManager(path)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // full buffer: oldest dropped, latest kept

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("latest config was not retained")
		}
	default:
		t.Fatal("channel empty after publish")
	}
}
