// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package coordination elects a single master among cooperating
// instances and deduplicates notification side effects across them.
package coordination

import (
	"sync"
)

// Role is the leadership state of this instance.
type Role int32

// Leadership states. Every instance starts Unknown and resolves to
// Slave (a master answered) or Master (nobody answered) within one
// heartbeat round.
const (
	RoleUnknown Role = iota
	RoleSlave
	RoleMaster
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleSlave:
		return "slave"
	case RoleMaster:
		return "master"
	default:
		return "unknown"
	}
}

// Action is an I/O effect requested by a state transition. The machine
// itself never touches the bus or timers; the elector executes actions.
type Action int

// Actions.
const (
	ActionBroadcastPing Action = iota
	ActionBroadcastPong
	ActionAwaitPong
	ActionPromote
	ActionDemote
)

// Machine is the explicit leadership state machine. All transitions are
// synchronous and deterministic; time and transport live outside.
// Safe for concurrent use.
type Machine struct {
	mu           sync.Mutex
	instanceID   string
	role         Role
	awaitingPong bool
}

// NewMachine creates a machine in the Unknown state.
func NewMachine(instanceID string) *Machine {
	return &Machine{instanceID: instanceID, role: RoleUnknown}
}

// Role returns the current leadership state.
func (m *Machine) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsMaster reports whether this instance currently owns the upstream
// connection.
func (m *Machine) IsMaster() bool {
	return m.Role() == RoleMaster
}

// Tick fires at every heartbeat interval: broadcast a ping and, unless
// we are the master ourselves, start waiting for the master's pong.
func (m *Machine) Tick() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role == RoleMaster {
		// The master pings too, so a second master surfaces and the
		// conflict self-heals, but it does not await an answer.
		return []Action{ActionBroadcastPing}
	}
	m.awaitingPong = true
	return []Action{ActionBroadcastPing, ActionAwaitPong}
}

// PongTimeout fires when no pong arrived inside the timeout: promote.
// Simultaneous promotion by two instances is tolerated; the next
// heartbeat round demotes one of them.
func (m *Machine) PongTimeout() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.awaitingPong {
		return nil
	}
	m.awaitingPong = false
	if m.role == RoleMaster {
		return nil
	}
	m.role = RoleMaster
	return []Action{ActionPromote}
}

// PingReceived handles another instance's ping. Only the master answers.
func (m *Machine) PingReceived(from string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from == m.instanceID {
		return nil
	}
	if m.role == RoleMaster {
		return []Action{ActionBroadcastPong}
	}
	return nil
}

// PongReceived handles a master's pong. A waiting instance settles into
// Slave; a master observing another master's pong demotes. Last-writer
// tolerance, not strict consensus.
func (m *Machine) PongReceived(from string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from == m.instanceID {
		return nil
	}

	m.awaitingPong = false
	switch m.role {
	case RoleMaster:
		m.role = RoleSlave
		return []Action{ActionDemote}
	case RoleUnknown:
		m.role = RoleSlave
		return nil
	default:
		return nil
	}
}
