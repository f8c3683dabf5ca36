package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/leadwave/wpsync/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Pairing      State = "PAIRING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// ErrInvalidTransition is wrapped by Transition when the move is not allowed.
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions. Error is terminal; only
// Reset leaves it.
var validTransitions = map[State][]State{
	Disconnected: {Pairing, Error},
	Pairing:      {Connected, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
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

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, m.current, to)
	}
	m.set(to)
	return nil
}

// TransitionFrom moves to the given state only if the machine is currently in
// from. It reports whether the transition happened.
func (m *Machine) TransitionFrom(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from || !slices.Contains(validTransitions[from], to) {
		return false
	}
	m.set(to)
	return true
}

// Reset forces the machine back to Disconnected from any state, including Error.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Disconnected {
		m.set(Disconnected)
	}
}

func (m *Machine) set(to State) {
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindStateChanged, StatusChange{From: from, To: to})
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
