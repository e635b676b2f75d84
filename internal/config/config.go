// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package config holds all application configuration, loaded in layers:
// built-in defaults, then an optional YAML file, then environment
// variables. Config is immutable after Load and safe for concurrent
// reads.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Instance InstanceConfig `koanf:"instance"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Bus      BusConfig      `koanf:"bus"`
	Election ElectionConfig `koanf:"election"`
	Dedup    DedupConfig    `koanf:"dedup"`
	Notify   NotifyConfig   `koanf:"notify"`
	Feed     FeedConfig     `koanf:"feed"`
	Filter   FilterConfig   `koanf:"filter"`
	Rules    RulesConfig    `koanf:"rules"`
	API      APIConfig      `koanf:"api"`
}

// InstanceConfig identifies this instance on the broadcast bus.
type InstanceConfig struct {
	// ID is the instance identifier. Empty means generate one at boot.
	ID string `koanf:"id"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// UpstreamConfig points at the item stream. Only the master instance
// opens the connection.
type UpstreamConfig struct {
	URL              string        `koanf:"url" validate:"required,url"`
	Token            string        `koanf:"token"`
	ReconnectBackoff time.Duration `koanf:"reconnect_backoff" validate:"gte=0"`
	BulkCooldown     time.Duration `koanf:"bulk_cooldown" validate:"gte=0"`
	BulkCount        int           `koanf:"bulk_count" validate:"gte=1"`
}

// BusConfig selects the broadcast transport. "channel" is in-process
// (single instance); "nats" coordinates instances over a NATS server,
// optionally embedded in this process.
type BusConfig struct {
	Mode string        `koanf:"mode" validate:"oneof=channel nats"`
	NATS NATSBusConfig `koanf:"nats"`
}

// NATSBusConfig configures the NATS transport.
type NATSBusConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// ElectionConfig tunes the leader election heartbeat.
type ElectionConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	PongTimeout       time.Duration `koanf:"pong_timeout" validate:"gt=0"`
}

// DedupConfig tunes the cross-instance notification dedup cache.
type DedupConfig struct {
	Window        time.Duration `koanf:"window" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	Capacity      int           `koanf:"capacity" validate:"gte=1"`
}

// NotifyConfig controls OS notification policy in the pipeline.
type NotifyConfig struct {
	OnHighlight bool          `koanf:"on_highlight"`
	Queues      []string      `koanf:"queues"`
	OnceWindow  time.Duration `koanf:"once_window" validate:"gt=0"`
}

// FeedConfig tunes the monitor controller.
type FeedConfig struct {
	MaxItems                int           `koanf:"max_items"`
	TruncateDebounce        time.Duration `koanf:"truncate_debounce" validate:"gt=0"`
	SortPolicy              string        `koanf:"sort_policy" validate:"omitempty,oneof=newest_first oldest_first price_high_first price_low_first"`
	SuppressDuplicateImages bool          `koanf:"suppress_duplicate_images"`
}

// FilterConfig is the initial visibility filter.
type FilterConfig struct {
	Search       string   `koanf:"search"`
	Queues       []string `koanf:"queues"`
	Tier         string   `koanf:"tier" validate:"omitempty,oneof=basic premium"`
	WithVariants bool     `koanf:"with_variants"`
}

// RulesConfig points at the keyword rule file.
type RulesConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// APIConfig configures the status HTTP server.
type APIConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=0,lte=65535"`
	RateLimit       int           `koanf:"rate_limit" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// Validate checks the configuration after all layers are merged.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, q := range append(append([]string(nil), c.Notify.Queues...), c.Filter.Queues...) {
		switch q {
		case "A", "B", "C":
		default:
			return fmt.Errorf("invalid configuration: unknown queue class %q", q)
		}
	}

	if c.Bus.Mode == "nats" && !c.Bus.NATS.Embedded && c.Bus.NATS.URL == "" {
		return fmt.Errorf("invalid configuration: bus.nats.url required when the embedded server is disabled")
	}

	return nil
}
