package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the root configuration document.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos surface at load time instead of
// silently falling back to defaults.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Gateway GatewayConfig `json:"gateway"`

	// Maintenance controls the periodic janitor (dedup purge, rate-limit
	// prune, storage prune). If omitted it defaults to enabled every 5m.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// GatewayConfig controls the delivery core. Zero values fall back to the
// core's defaults (5 msgs / 60s window, 3 workers, 3 retries, 10m dedup).
type GatewayConfig struct {
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`

	MaxTextLen int `json:"max_text_len,omitempty"`
}

type RateLimitConfig struct {
	MaxPerWindow int    `json:"max_per_window,omitempty"`
	Window       string `json:"window,omitempty"`
	Buffer       string `json:"buffer,omitempty"`

	MaxTimestampsPerDestination int `json:"max_timestamps_per_destination,omitempty"`
	MaxTrackedDestinations      int `json:"max_tracked_destinations,omitempty"`
}

type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	QueueSize     int `json:"queue_size,omitempty"`
	// RatePerSec is an optional global cap across all destinations. 0 = off.
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type RetryConfig struct {
	MaxAttempts        int    `json:"max_attempts,omitempty"`
	BaseDelay          string `json:"base_delay,omitempty"`
	RateLimitBaseDelay string `json:"rate_limit_base_delay,omitempty"`
	MaxDelay           string `json:"max_delay,omitempty"`
}

type DedupConfig struct {
	Retention  string `json:"retention,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	Persist    bool   `json:"persist,omitempty"`
}

// MaintenanceConfig controls the cron-driven janitor.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
type MaintenanceConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Schedule is a cron spec (including "@every 5m" descriptors).
	Schedule string `json:"schedule,omitempty"`
	// RateLimitIdle drops rate-limit destinations idle longer than this.
	RateLimitIdle string `json:"rate_limit_idle,omitempty"`
	// DeliveryRetention trims persisted delivery log records older than this.
	// Empty keeps everything.
	DeliveryRetention string `json:"delivery_retention,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chatgate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
	AllowedChat []int64 `json:"allowed_chat_ids,omitempty"`
}

type DiscordConfig struct {
	Enabled           bool     `json:"enabled"`
	Token             string   `json:"token"`
	AllowedGuildIDs   []string `json:"allowed_guild_ids,omitempty"`
	AllowedChannelIDs []string `json:"allowed_channel_ids,omitempty"`
}

type SlackConfig struct {
	Enabled           bool     `json:"enabled"`
	BotToken          string   `json:"bot_token"`
	AppToken          string   `json:"app_token"`
	AllowedChannelIDs []string `json:"allowed_channel_ids,omitempty"`
}

// Validate checks cross-field constraints that strict decoding can't express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Telegram != nil && c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when telegram.enabled")
	}
	if c.Discord != nil && c.Discord.Enabled && strings.TrimSpace(c.Discord.Token) == "" {
		return errors.New("discord.token is required when discord.enabled")
	}
	if c.Slack != nil && c.Slack.Enabled {
		if strings.TrimSpace(c.Slack.BotToken) == "" {
			return errors.New("slack.bot_token is required when slack.enabled")
		}
		if strings.TrimSpace(c.Slack.AppToken) == "" {
			return errors.New("slack.app_token is required when slack.enabled (socket mode)")
		}
	}

	// Durations must parse even when the component using them is disabled,
	// so a bad edit fails fast.
	for path, raw := range map[string]string{
		"gateway.rate_limit.window":        c.Gateway.RateLimit.Window,
		"gateway.rate_limit.buffer":        c.Gateway.RateLimit.Buffer,
		"gateway.queue.send_timeout":       c.Gateway.Queue.SendTimeout,
		"gateway.retry.base_delay":         c.Gateway.Retry.BaseDelay,
		"gateway.retry.rate_limit_base_delay": c.Gateway.Retry.RateLimitBaseDelay,
		"gateway.retry.max_delay":          c.Gateway.Retry.MaxDelay,
		"gateway.dedup.retention":          c.Gateway.Dedup.Retention,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Maintenance != nil {
		if _, err := ParseDurationField("maintenance.rate_limit_idle", c.Maintenance.RateLimitIdle); err != nil {
			return err
		}
		if _, err := ParseDurationField("maintenance.delivery_retention", c.Maintenance.DeliveryRetention); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	return nil
}
