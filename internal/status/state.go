package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wppdesk/internal/bus"
)

// State is the status of the session's push connection to the gateway.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	QRReady      State = "qr_ready"
	Connected    State = "connected"
	Error        State = "error"
)

// All lists every state in lifecycle order.
func All() []State {
	return []State{Disconnected, Connecting, QRReady, Connected, Error}
}

// validTransitions defines allowed state transitions. Error only leaves through
// an explicit new connect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Error},
	Connecting:   {Connected, QRReady, Disconnected, Error},
	QRReady:      {Connected, Connecting, Disconnected, Error},
	Connected:    {Disconnected, QRReady, Error},
	Error:        {Connecting},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindSessionStatus, StatusChange{From: from, To: to})
	return nil
}

// CanTransition reports whether moving to the given state is currently allowed.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(validTransitions[m.current], to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
