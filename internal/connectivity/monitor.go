// Package connectivity tracks whether the queue may talk to the network.
package connectivity

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// State is device reachability plus app visibility.
type State struct {
	Network    bool `json:"network"`
	Foreground bool `json:"foreground"`
}

// Online is true only when the network is reachable and the app is in the foreground.
func (s State) Online() bool {
	return s.Network && s.Foreground
}

// Change is one observed state transition.
type Change struct {
	Previous State
	Current  State
}

// WentOnline reports an offline to online transition.
func (c Change) WentOnline() bool {
	return !c.Previous.Online() && c.Current.Online()
}

// WentOffline reports an online to offline transition.
func (c Change) WentOffline() bool {
	return c.Previous.Online() && !c.Current.Online()
}

// Foregrounded reports a background to active transition.
func (c Change) Foregrounded() bool {
	return !c.Previous.Foreground && c.Current.Foreground
}

// Event is the payload of connectivity.changed.
type Event struct {
	IsOnline   bool `json:"isOnline"`
	Network    bool `json:"network"`
	Foreground bool `json:"foreground"`
}

// Monitor holds the current State and notifies subscribers of transitions.
type Monitor struct {
	mu     sync.Mutex
	state  State
	subs   map[int]func(Change)
	next   int
	notify sync.Mutex

	bus    *bus.Bus
	logger *zap.Logger
}

// NewMonitor starts from the given state.
func NewMonitor(initial State, b *bus.Bus, logger *zap.Logger) *Monitor {
	logger = logging.OrNop(logger)
	return &Monitor{
		state:  initial,
		subs:   make(map[int]func(Change)),
		bus:    b,
		logger: logger,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports State().Online().
func (m *Monitor) Online() bool {
	return m.State().Online()
}

// SetNetwork records device reachability.
func (m *Monitor) SetNetwork(reachable bool) {
	m.update(func(s *State) { s.Network = reachable })
}

// SetForeground records whether the app is active.
func (m *Monitor) SetForeground(active bool) {
	m.update(func(s *State) { s.Foreground = active })
}

// Subscribe registers fn for every transition. fn runs on the goroutine that
// changed the state, one transition at a time.
func (m *Monitor) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) update(apply func(*State)) {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	prev := m.state
	apply(&m.state)
	cur := m.state
	fns := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if prev == cur {
		return
	}
	m.logger.Info("connectivity changed",
		zap.Bool("online", cur.Online()),
		zap.Bool("network", cur.Network),
		zap.Bool("foreground", cur.Foreground))
	m.bus.Emit(bus.ConnectivityChanged, Event{IsOnline: cur.Online(), Network: cur.Network, Foreground: cur.Foreground})

	c := Change{Previous: prev, Current: cur}
	for _, fn := range fns {
		fn(c)
	}
}
