// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Bus.Mode != "channel" {
		t.Errorf("default bus mode = %q, want channel", cfg.Bus.Mode)
	}
	if cfg.Feed.MaxItems != 300 {
		t.Errorf("default max items = %d, want 300", cfg.Feed.MaxItems)
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
upstream:
  url: "https://stream.example.com/items"
  bulk_count: 25
feed:
  sort_policy: price_low_first
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("NOTIFEED_FEED_MAX_ITEMS", "50")
	t.Setenv("NOTIFEED_NOTIFY_QUEUES", "A, B")
	t.Setenv("NOTIFEED_UPSTREAM_RECONNECT_BACKOFF", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// File overrides defaults.
	if cfg.Upstream.URL != "https://stream.example.com/items" {
		t.Errorf("upstream url = %q", cfg.Upstream.URL)
	}
	if cfg.Upstream.BulkCount != 25 {
		t.Errorf("bulk count = %d, want 25", cfg.Upstream.BulkCount)
	}
	if cfg.Feed.SortPolicy != "price_low_first" {
		t.Errorf("sort policy = %q", cfg.Feed.SortPolicy)
	}

	// Environment overrides file and defaults.
	if cfg.Feed.MaxItems != 50 {
		t.Errorf("max items = %d, want 50", cfg.Feed.MaxItems)
	}
	if cfg.Upstream.ReconnectBackoff != 2*time.Second {
		t.Errorf("reconnect backoff = %v, want 2s", cfg.Upstream.ReconnectBackoff)
	}
	if len(cfg.Notify.Queues) != 2 || cfg.Notify.Queues[0] != "A" || cfg.Notify.Queues[1] != "B" {
		t.Errorf("notify queues = %v, want [A B]", cfg.Notify.Queues)
	}

	// Untouched settings keep their defaults.
	if cfg.Election.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat interval = %v, want default 10s", cfg.Election.HeartbeatInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bus mode", func(c *Config) { c.Bus.Mode = "carrier-pigeon" }},
		{"bad sort policy", func(c *Config) { c.Feed.SortPolicy = "shuffled" }},
		{"bad queue class", func(c *Config) { c.Notify.Queues = []string{"Z"} }},
		{"bad tier", func(c *Config) { c.Filter.Tier = "platinum" }},
		{"bad upstream url", func(c *Config) { c.Upstream.URL = "not a url" }},
		{"zero bulk count", func(c *Config) { c.Upstream.BulkCount = 0 }},
		{"nats without url or embedded", func(c *Config) {
			c.Bus.Mode = "nats"
			c.Bus.NATS.Embedded = false
			c.Bus.NATS.URL = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	if got := envTransformFunc("NOTIFEED_FEED_MAX_ITEMS"); got != "feed.max_items" {
		t.Errorf("transform = %q, want feed.max_items", got)
	}
	if got := envTransformFunc("NOTIFEED_SOMETHING_UNKNOWN"); got != "" {
		t.Errorf("unknown variable mapped to %q, want empty", got)
	}
}
