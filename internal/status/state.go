package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is one node of a transition table.
type State string

// Session states of the sync daemon.
const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Offline      State = "OFFLINE"
	Reconnecting State = "RECONNECTING"
	Stopped      State = "STOPPED"
)

// Realtime subscription states.
const (
	Closed      State = "CLOSED"
	Subscribing State = "SUBSCRIBING"
	Active      State = "ACTIVE"
)

// Table maps each state to the states it may move to.
type Table map[State][]State

// SessionTable drives the daemon's connection status.
var SessionTable = Table{
	Booting:      {Connecting, Offline, Stopped},
	Connecting:   {Ready, Offline, Reconnecting, Stopped},
	Ready:        {Reconnecting, Offline, Stopped},
	Reconnecting: {Connecting, Offline, Stopped},
	Offline:      {Connecting, Stopped},
	Stopped:      {},
}

// SubscriptionTable is the per-scope lifecycle: closed, subscribing on
// join, active on the server ack, and back to closed on leave, teardown or
// a dropped connection.
var SubscriptionTable = Table{
	Closed:      {Subscribing},
	Subscribing: {Active, Closed},
	Active:      {Closed},
}

// Machine enforces transitions of a Table. When a bus is attached every
// change is published under kind with a Change payload.
type Machine struct {
	mu      sync.RWMutex
	table   Table
	current State
	bus     *bus.Bus
	kind    string
	label   string
}

// NewMachine creates the daemon session machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{table: SessionTable, current: Booting, bus: b, kind: bus.KindSessionStatus}
}

// NewTableMachine creates a machine over an arbitrary table. label is copied
// into published Change payloads so subscribers can tell machines apart.
func NewTableMachine(table Table, initial State, b *bus.Bus, kind, label string) *Machine {
	return &Machine{table: table, current: initial, bus: b, kind: kind, label: label}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to the given state or returns an error if the table does
// not allow it.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.publish(from, to)
	return nil
}

// TransitionFrom moves to the given state only when the machine is currently in from.
// It reports whether the move happened.
func (m *Machine) TransitionFrom(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from || !slices.Contains(m.table[from], to) {
		return false
	}
	m.current = to
	m.publish(from, to)
	return true
}

func (m *Machine) publish(from, to State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      m.kind,
		Timestamp: time.Now(),
		Payload:   Change{Label: m.label, From: from, To: to},
	})
}

// Change is the payload of status events.
type Change struct {
	Label string
	From  State
	To    State
}
