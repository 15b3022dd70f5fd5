package status

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Uninitialized {
		t.Errorf("initial state = %s, want UNINITIALIZED", m.Current())
	}
	if m.Accepting() {
		t.Error("uninitialized machine must not accept work")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Uninitialized, Loading},
		{Uninitialized, Error},
		{Loading, Ready},
		{Ready, Draining},
		{Draining, Ready},
		{Draining, Stopping},
		{Ready, Stopping},
		{Stopping, Stopped},
		{Stopped, Loading},
		{Error, Loading},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(UNINITIALIZED -> READY) should fail; the queue must load first")
	}
	if m.Current() != Uninitialized {
		t.Errorf("state = %s, want UNINITIALIZED (unchanged)", m.Current())
	}
}

func TestAccepting(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)
	if !m.Accepting() {
		t.Error("READY should accept work")
	}
	_ = m.Transition(Draining)
	if !m.Accepting() {
		t.Error("DRAINING should accept work")
	}
	_ = m.Transition(Stopping)
	if m.Accepting() {
		t.Error("STOPPING must not accept work")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NamespaceService, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Loading); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.ServiceStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.ServiceStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Uninitialized || change.To != Loading {
		t.Errorf("change = %v -> %v, want UNINITIALIZED -> LOADING", change.From, change.To)
	}
}

// TestRestartLifecycle covers destroy followed by initialize on the same machine.
func TestRestartLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Loading, Ready, Draining, Ready, Stopping, Stopped, Loading, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Uninitialized: {},
		Loading:       {Loading},
		Ready:         {Loading, Ready},
		Draining:      {Loading, Ready, Draining},
		Stopping:      {Loading, Ready, Stopping},
		Stopped:       {Loading, Ready, Stopping, Stopped},
		Error:         {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
