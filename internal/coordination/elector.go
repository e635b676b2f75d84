// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/logging"
)

// ElectorConfig holds heartbeat timing.
type ElectorConfig struct {
	// HeartbeatInterval is how often every instance broadcasts a ping.
	HeartbeatInterval time.Duration

	// PongTimeout is how long a non-master waits for the master's pong
	// before promoting itself.
	PongTimeout time.Duration
}

// DefaultElectorConfig returns production defaults.
func DefaultElectorConfig() ElectorConfig {
	return ElectorConfig{
		HeartbeatInterval: 10 * time.Second,
		PongTimeout:       500 * time.Millisecond,
	}
}

// Elector runs the leadership state machine against the broadcast bus
// and heartbeat timers. It implements suture.Service.
type Elector struct {
	machine   *Machine
	bus       bus.Bus
	instance  string
	cfg       ElectorConfig
	clk       clock.Clock
	onPromote func()
	onDemote  func()
	logger    zerolog.Logger
}

// NewElector creates an elector. onPromote and onDemote drive the event
// ingestor's upstream connection; either may be nil.
func NewElector(b bus.Bus, instanceID string, cfg ElectorConfig, clk clock.Clock, onPromote, onDemote func()) *Elector {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultElectorConfig().HeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultElectorConfig().PongTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Elector{
		machine:   NewMachine(instanceID),
		bus:       b,
		instance:  instanceID,
		cfg:       cfg,
		clk:       clk,
		onPromote: onPromote,
		onDemote:  onDemote,
		logger:    logging.With("election").With().Str("instance", instanceID).Logger(),
	}
}

// Role returns the current leadership state.
func (e *Elector) Role() Role { return e.machine.Role() }

// IsMaster reports whether this instance owns the upstream connection.
func (e *Elector) IsMaster() bool { return e.machine.IsMaster() }

// Serve implements suture.Service. It resolves leadership immediately on
// start (first ping goes out before the first interval elapses), then
// keeps heartbeating until the context is cancelled. The heartbeat timer
// stops on shutdown; nothing stays pending.
func (e *Elector) Serve(ctx context.Context) error {
	msgs, err := e.bus.Subscribe(ctx, bus.Topic)
	if err != nil {
		return err
	}

	ticker := e.clk.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// Disarmed until ActionAwaitPong arms it.
	pongTimer := e.clk.NewTimer(e.cfg.PongTimeout)
	if !pongTimer.Stop() {
		select {
		case <-pongTimer.C():
		default:
		}
	}
	defer pongTimer.Stop()

	e.execute(e.machine.Tick(), pongTimer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C():
			e.execute(e.machine.Tick(), pongTimer)

		case <-pongTimer.C():
			e.execute(e.machine.PongTimeout(), pongTimer)

		case msg, open := <-msgs:
			if !open {
				return ctx.Err()
			}
			msg.Ack()
			env, err := bus.Unmarshal(msg)
			if err != nil {
				e.logger.Warn().Err(err).Msg("dropping undecodable broadcast")
				continue
			}
			switch env.Kind {
			case bus.KindPing:
				e.execute(e.machine.PingReceived(env.Instance), pongTimer)
			case bus.KindPong:
				e.execute(e.machine.PongReceived(env.Instance), pongTimer)
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (e *Elector) String() string { return "elector" }

// execute performs the I/O effects the machine requested.
func (e *Elector) execute(actions []Action, pongTimer clock.Timer) {
	for _, action := range actions {
		switch action {
		case ActionBroadcastPing:
			e.broadcast(bus.KindPing)
		case ActionBroadcastPong:
			e.broadcast(bus.KindPong)
		case ActionAwaitPong:
			pongTimer.Reset(e.cfg.PongTimeout)
		case ActionPromote:
			e.logger.Info().Msg("no master answered, promoting")
			if e.onPromote != nil {
				e.onPromote()
			}
		case ActionDemote:
			e.logger.Info().Msg("another master asserted itself, demoting")
			if e.onDemote != nil {
				e.onDemote()
			}
		}
	}
}

func (e *Elector) broadcast(kind bus.Kind) {
	env := &bus.Envelope{
		Kind:     kind,
		Instance: e.instance,
		SentAt:   e.clk.Now().UnixMilli(),
	}
	if kind == bus.KindPong {
		env.Master = e.instance
	}
	msg, err := bus.Marshal(env)
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal heartbeat")
		return
	}
	if err := e.bus.Publish(bus.Topic, msg); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("heartbeat publish failed")
	}
}
