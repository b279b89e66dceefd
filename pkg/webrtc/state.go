package webrtc

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a peer session.
type State int32

const (
	StateIdle State = iota
	StateOfferCreated
	StateAwaitingAnswer
	StateConnected
	StateClosed
)

// ErrInvalidTransition is returned when a state change skips a step or goes
// backwards.
var ErrInvalidTransition = errors.New("invalid peer state transition")

var stateNames = [...]string{"idle", "offer_created", "awaiting_answer", "connected", "closed"}

// States lists every state name, in order.
func States() []string {
	return stateNames[:]
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// stateMachine enforces Idle → OfferCreated → AwaitingAnswer → Connected,
// with Closed reachable from anywhere.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	switch {
	case to == StateClosed:
		if from == StateClosed {
			m.mu.Unlock()
			return nil
		}
	case from == StateClosed || to != from+1:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return nil
}
