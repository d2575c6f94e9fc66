// Package connstate tracks the lifecycle of a single peripheral connection
// through a validated state machine. Sessions and higher layers use it to
// keep "what is this link doing right now" answerable without guessing from
// side effects.
//
// The machine is deliberately strict: only transitions listed in the
// lifecycle table commit, and a transition requested while observers are
// still being notified fails fast instead of deadlocking on the machine's
// own lock.
package connstate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrInvalidTransition reports a transition the lifecycle table does
	// not allow. The machine's state is unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrReentrantTransition reports a transition requested while the
	// machine was delivering callbacks for a previous one. The state of
	// the in-progress transition stands; the new request is dropped.
	ErrReentrantTransition = errors.New("reentrant transition")
)

// validTransitions is the lifecycle table. Absent pairs are invalid,
// including every self-transition.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateError},
	StateError:        {StateDisconnected, StateConnecting},
}

// TransitionFunc observes a committed transition.
type TransitionFunc func(from, to State)

// Machine is a validated connection state machine. It starts in
// StateDisconnected. Safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	notifying bool
	subs      *orderedmap.OrderedMap[uint64, TransitionFunc]
	nextID    uint64
	logger    *logrus.Logger
}

// NewMachine creates a machine in StateDisconnected. A nil logger is
// replaced with a default one.
func NewMachine(logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		state:  StateDisconnected,
		subs:   orderedmap.New[uint64, TransitionFunc](),
		logger: logger,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether moving to the given state is allowed from
// the current one. Pure read, no side effects.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allowed(m.state, to)
}

func allowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the given state and notifies observers in
// registration order before returning.
//
// The state commits and the delivery guard raises in one critical section;
// callbacks then run outside the lock. A Transition call made while the
// guard is raised, whether from inside a callback or from another
// goroutine racing the delivery window, fails with ErrReentrantTransition
// and does not disturb the committed state. An observer panic is recovered
// and logged; remaining observers are still notified and the transition
// stands.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.notifying {
		from := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s requested during callback delivery", ErrReentrantTransition, from, to)
	}

	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.state = to
	m.notifying = true
	fns := make([]TransitionFunc, 0, m.subs.Len())
	for pair := m.subs.Oldest(); pair != nil; pair = pair.Next() {
		fns = append(fns, pair.Value)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Connection state changed")

	for _, fn := range fns {
		m.notifyOne(fn, from, to)
	}

	m.mu.Lock()
	m.notifying = false
	m.mu.Unlock()
	return nil
}

// notifyOne invokes a single observer with panic isolation.
func (m *Machine) notifyOne(fn TransitionFunc, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"panic": r,
				"from":  from,
				"to":    to,
			}).Error("Transition callback panicked")
		}
	}()
	fn(from, to)
}

// OnTransition registers an observer for committed transitions and returns
// an unsubscribe function. Unsubscribing twice is harmless.
func (m *Machine) OnTransition(fn TransitionFunc) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs.Set(id, fn)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs.Delete(id)
	}
}
