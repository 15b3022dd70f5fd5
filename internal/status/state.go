package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a lifecycle state of the sync service.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Loading       State = "LOADING"
	Ready         State = "READY"
	Draining      State = "DRAINING"
	Stopping      State = "STOPPING"
	Stopped       State = "STOPPED"
	Error         State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Uninitialized: {Loading, Error},
	Loading:       {Ready, Error},
	Ready:         {Draining, Stopping, Error},
	Draining:      {Ready, Stopping, Error},
	Stopping:      {Stopped},
	Stopped:       {Loading},
	Error:         {Loading, Stopping},
}

// Machine tracks and enforces service lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Uninitialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Accepting reports whether the service takes new work (initialized and not shutting down).
func (m *Machine) Accepting() bool {
	switch m.Current() {
	case Ready, Draining:
		return true
	}
	return false
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
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.ServiceStatusChanged,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
