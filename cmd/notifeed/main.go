// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package main is the entry point for the notifeed instance.
//
// Notifeed turns a high-frequency upstream "new item" stream into a
// de-duplicated, filtered, sorted, bounded live feed with coordinated
// notifications across instances. Instances elect one master over a
// broadcast bus; only the master holds the upstream connection, and
// every instance applies the enriched events relayed over the bus.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, YAML file, environment)
//  2. Logging (zerolog)
//  3. Broadcast bus (in-process channel, external NATS, or embedded NATS)
//  4. Rules source, pipeline, store, coordination, ingest, monitor, API
//  5. Supervisor tree (suture), then signal-driven shutdown
//
// Only configuration or bus bootstrap failures are fatal; everything
// after that is supervised and restarts on failure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/notifeed/internal/api"
	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/config"
	"github.com/tomtom215/notifeed/internal/coordination"
	"github.com/tomtom215/notifeed/internal/ingest"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/models"
	"github.com/tomtom215/notifeed/internal/monitor"
	"github.com/tomtom215/notifeed/internal/pipeline"
	"github.com/tomtom215/notifeed/internal/rules"
	"github.com/tomtom215/notifeed/internal/store"
	"github.com/tomtom215/notifeed/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	instanceID := cfg.Instance.ID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logging.Info().
		Str("instance", instanceID).
		Str("bus_mode", cfg.Bus.Mode).
		Str("upstream", cfg.Upstream.URL).
		Msg("Starting notifeed")

	// Broadcast bus. An embedded NATS server makes a multi-instance
	// deployment self-contained.
	var b bus.Bus
	var embedded *bus.EmbeddedServer
	switch cfg.Bus.Mode {
	case "nats":
		natsURL := cfg.Bus.NATS.URL
		if cfg.Bus.NATS.Embedded {
			embedded, err = bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
				Host: cfg.Bus.NATS.Host,
				Port: cfg.Bus.NATS.Port,
			})
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			natsURL = embedded.ClientURL()
			logging.Info().Str("url", natsURL).Msg("Embedded NATS server running")
		}
		natsBus, err := bus.NewNATS(bus.DefaultNATSConfig(natsURL), logging.NewWatermillAdapter())
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := natsBus.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing NATS bus")
			}
		}()
		b = natsBus
	default:
		b = bus.NewGoChannel(logging.NewWatermillAdapter())
	}

	// Keyword rules, hot-reloaded from file when configured.
	var provider rules.Provider = &rules.StaticSource{}
	if cfg.Rules.Path != "" {
		src, err := rules.NewFileSource(cfg.Rules.Path)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Rules.Path).Msg("Failed to load rule file")
		}
		if cfg.Rules.Watch {
			if err := src.Watch(); err != nil {
				logging.Warn().Err(err).Msg("Rule file watch unavailable, rules are static")
			}
		}
		defer func() {
			if err := src.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing rule source")
			}
		}()
		provider = src
	}

	clk := clock.New()

	notifyQueues := make([]models.QueueClass, 0, len(cfg.Notify.Queues))
	for _, q := range cfg.Notify.Queues {
		notifyQueues = append(notifyQueues, models.QueueClass(q))
	}

	notifySink := monitor.NopNotificationSink{}
	pipe := pipeline.New(provider, rules.NewMatcher(), notifySink, pipeline.Config{
		NotifyOnHighlight: cfg.Notify.OnHighlight,
		NotifyQueues:      notifyQueues,
		NotifyOnceWindow:  cfg.Notify.OnceWindow,
	}, nil)

	deduper := coordination.NewDeduper(b, instanceID, coordination.DeduperConfig{
		Window:        cfg.Dedup.Window,
		SweepInterval: cfg.Dedup.SweepInterval,
		Capacity:      cfg.Dedup.Capacity,
	}, clk)

	ingestor := ingest.New(ingest.Config{
		URL:              cfg.Upstream.URL,
		Token:            cfg.Upstream.Token,
		ReconnectBackoff: cfg.Upstream.ReconnectBackoff,
		BulkCooldown:     cfg.Upstream.BulkCooldown,
		BulkCount:        cfg.Upstream.BulkCount,
	}, pipe, b, deduper, instanceID, clk)

	elector := coordination.NewElector(b, instanceID, coordination.ElectorConfig{
		HeartbeatInterval: cfg.Election.HeartbeatInterval,
		PongTimeout:       cfg.Election.PongTimeout,
	}, clk, ingestor.Promote, ingestor.Demote)

	filterQueues := make([]models.QueueClass, 0, len(cfg.Filter.Queues))
	for _, q := range cfg.Filter.Queues {
		filterQueues = append(filterQueues, models.QueueClass(q))
	}

	controller := monitor.New(monitor.Config{
		MaxItems:                cfg.Feed.MaxItems,
		TruncateDebounce:        cfg.Feed.TruncateDebounce,
		SortPolicy:              store.SortPolicy(cfg.Feed.SortPolicy),
		SuppressDuplicateImages: cfg.Feed.SuppressDuplicateImages,
	}, store.New(), deduper, b, clk, nil, notifySink)
	controller.SetFilter(monitor.Filter{
		Search:       cfg.Filter.Search,
		Queues:       filterQueues,
		Tier:         models.Tier(cfg.Filter.Tier),
		WithVariants: cfg.Filter.WithVariants,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(elector)
	tree.AddMessagingService(deduper)
	tree.AddMessagingService(ingestor)
	tree.AddMessagingService(controller)

	if cfg.API.Enabled {
		tree.AddAPIService(api.New(api.Config{
			Host:            cfg.API.Host,
			Port:            cfg.API.Port,
			RateLimit:       cfg.API.RateLimit,
			RateLimitWindow: cfg.API.RateLimitWindow,
			CORSOrigins:     cfg.API.CORSOrigins,
		}, instanceID, elector, ingestor, controller))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			logging.Error().Err(err).Msg("Supervisor tree stopped")
		}
	}

	if embedded != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := embedded.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error stopping embedded NATS server")
		}
	}

	logging.Info().Msg("Shutdown complete")
}
