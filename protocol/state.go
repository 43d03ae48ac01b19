package protocol

import (
	"fmt"
	"sync"
)

type State int

const (
	Connecting State = iota
	Syncing
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Syncing:
		return "SYNCING"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Connecting: {Syncing, Closed},
	Syncing:    {Open, Closed},
	Open:       {Closed},
	Closed:     {},
}

type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Machine tracks one connection's protocol state. Closed is terminal.
type Machine struct {
	mu    sync.Mutex
	state State
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return &IllegalTransitionError{From: m.state, To: to}
}
