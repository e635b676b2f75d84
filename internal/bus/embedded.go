// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures the in-process NATS server.
type EmbeddedServerConfig struct {
	Host string
	Port int
}

// DefaultEmbeddedServerConfig listens on localhost with an OS-assigned
// port, which suits a group of instances on one machine.
func DefaultEmbeddedServerConfig() EmbeddedServerConfig {
	return EmbeddedServerConfig{Host: "127.0.0.1", Port: -1}
}

// EmbeddedServer wraps an in-process NATS server with lifecycle
// management. One instance can host the broker so a group of cooperating
// instances needs no external infrastructure; the others connect to its
// client URL.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded NATS server. Plain
// core NATS, no JetStream: the broadcast protocol wants at-most-once
// fan-out, not persistence. Returns an error if the server is not ready
// within 10 seconds.
func NewEmbeddedServer(cfg EmbeddedServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "notifeed-bus",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  false,
		NoLog:      true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for bus clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// IsRunning returns server health status.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// Shutdown gracefully stops the server, waiting until shutdown completes
// or the context is cancelled.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
