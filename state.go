package tokenkeeper

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// AuthState is the client's authentication state.
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateLoggedOut
)

var stateNames = map[AuthState]string{
	StateUnauthenticated: "unauthenticated",
	StateAuthenticating:  "authenticating",
	StateAuthenticated:   "authenticated",
	StateRefreshing:      "refreshing",
	StateLoggedOut:       "logged_out",
}

func (s AuthState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AuthState(%d)", int(s))
}

// Stable reports whether the state is one the rest of the application acts
// on. Authenticating and Refreshing are loading flags; LoggedOut lasts until
// the host acknowledges the forced logout.
func (s AuthState) Stable() bool {
	return s == StateUnauthenticated || s == StateAuthenticated
}

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid auth state transition")

var transitions = map[AuthState][]AuthState{
	StateUnauthenticated: {StateAuthenticating, StateAuthenticated},
	StateAuthenticating:  {StateAuthenticated, StateUnauthenticated},
	StateAuthenticated:   {StateRefreshing, StateUnauthenticated},
	StateRefreshing:      {StateAuthenticated, StateLoggedOut, StateUnauthenticated},
	StateLoggedOut:       {StateUnauthenticated},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to AuthState) bool {
	return slices.Contains(transitions[from], to)
}

// Observer is notified after every successful transition.
type Observer func(from, to AuthState)

// StateMachine holds the AuthState of one client. It is safe for concurrent
// use; observers run synchronously on the goroutine that made the transition,
// outside the machine's lock.
type StateMachine struct {
	mu        sync.RWMutex
	current   AuthState
	observers []Observer
}

// NewStateMachine creates a machine in the given state.
func NewStateMachine(initial AuthState) *StateMachine {
	return &StateMachine{current: initial}
}

// Current returns the current state.
func (m *StateMachine) Current() AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Observe registers fn for all later transitions.
func (m *StateMachine) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves the machine to `to`. Transitioning to the current state is
// a no-op. Transitions missing from the table return ErrInvalidTransition and
// leave the state untouched.
func (m *StateMachine) Transition(to AuthState) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
