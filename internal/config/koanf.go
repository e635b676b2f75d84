// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, first
// match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/notifeed/config.yaml",
	"/etc/notifeed/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "NOTIFEED_CONFIG"

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Upstream: UpstreamConfig{
			URL:              "http://127.0.0.1:3434/stream",
			ReconnectBackoff: 5 * time.Second,
			BulkCooldown:     30 * time.Second,
			BulkCount:        100,
		},
		Bus: BusConfig{
			Mode: "channel",
			NATS: NATSBusConfig{
				URL:  "nats://127.0.0.1:4222",
				Host: "127.0.0.1",
				Port: 4222,
			},
		},
		Election: ElectionConfig{
			HeartbeatInterval: 10 * time.Second,
			PongTimeout:       500 * time.Millisecond,
		},
		Dedup: DedupConfig{
			Window:        3 * time.Second,
			SweepInterval: 10 * time.Second,
			Capacity:      10000,
		},
		Notify: NotifyConfig{
			OnHighlight: true,
			Queues:      []string{"B"},
			OnceWindow:  10 * time.Minute,
		},
		Feed: FeedConfig{
			MaxItems:         300,
			TruncateDebounce: 500 * time.Millisecond,
			SortPolicy:       "newest_first",
		},
		Filter: FilterConfig{
			Tier: "basic",
		},
		Rules: RulesConfig{
			Watch: true,
		},
		API: APIConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            3434,
			RateLimit:       100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
	}
}

// Load builds the configuration: defaults, then the config file if one
// exists, then environment variables, then validation.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("NOTIFEED_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings translates NOTIFEED_* variables (prefix already stripped,
// lowercased) to config paths. Multi-word leaf keys make a plain
// underscore-to-dot rewrite ambiguous, so the table is explicit.
var envMappings = map[string]string{
	"instance_id": "instance.id",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"upstream_url":               "upstream.url",
	"upstream_token":             "upstream.token",
	"upstream_reconnect_backoff": "upstream.reconnect_backoff",
	"upstream_bulk_cooldown":     "upstream.bulk_cooldown",
	"upstream_bulk_count":        "upstream.bulk_count",

	"bus_mode":          "bus.mode",
	"bus_nats_url":      "bus.nats.url",
	"bus_nats_embedded": "bus.nats.embedded",
	"bus_nats_host":     "bus.nats.host",
	"bus_nats_port":     "bus.nats.port",

	"election_heartbeat_interval": "election.heartbeat_interval",
	"election_pong_timeout":       "election.pong_timeout",

	"dedup_window":         "dedup.window",
	"dedup_sweep_interval": "dedup.sweep_interval",
	"dedup_capacity":       "dedup.capacity",

	"notify_on_highlight": "notify.on_highlight",
	"notify_queues":       "notify.queues",
	"notify_once_window":  "notify.once_window",

	"feed_max_items":                 "feed.max_items",
	"feed_truncate_debounce":         "feed.truncate_debounce",
	"feed_sort_policy":               "feed.sort_policy",
	"feed_suppress_duplicate_images": "feed.suppress_duplicate_images",

	"filter_search":        "filter.search",
	"filter_queues":        "filter.queues",
	"filter_tier":          "filter.tier",
	"filter_with_variants": "filter.with_variants",

	"rules_path":  "rules.path",
	"rules_watch": "rules.watch",

	"api_enabled":           "api.enabled",
	"api_host":              "api.host",
	"api_port":              "api.port",
	"api_rate_limit":        "api.rate_limit",
	"api_rate_limit_window": "api.rate_limit_window",
	"api_cors_origins":      "api.cors_origins",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "NOTIFEED_"))
	if path, ok := envMappings[key]; ok {
		return path
	}
	return "" // unknown variables are ignored
}

// sliceConfigPaths lists the paths parsed as comma-separated slices
// when they arrive as strings from the environment.
var sliceConfigPaths = []string{
	"notify.queues",
	"filter.queues",
	"api.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue // already a slice from defaults or YAML
		}
		parts := strings.Split(str, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
