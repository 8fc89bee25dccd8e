package broadcast

import (
	"context"
	"sync"
)

// State is the broadcaster connection state. The distinction between
// Connected and Ready matters: the transport-level connect completes
// before the remote gateway has registered its event handlers, so
// emitting at Connected can drop the first frames. Ready is entered
// either on the gateway's explicit ready acknowledgment or after a
// documented grace period.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// stateMachine tracks the connection state and lets emitters wait for
// Ready with a bounded timeout.
type stateMachine struct {
	mu      sync.Mutex
	state   State
	readyCh chan struct{}
}

func newStateMachine() *stateMachine {
	return &stateMachine{readyCh: make(chan struct{})}
}

func (m *stateMachine) set(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == s {
		return
	}

	if s == StateReady {
		close(m.readyCh)
	} else if m.state == StateReady {
		// Leaving Ready re-arms the wait channel for the next connect.
		m.readyCh = make(chan struct{})
	}
	m.state = s
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// awaitReady blocks until the machine reaches Ready or ctx expires.
func (m *stateMachine) awaitReady(ctx context.Context) error {
	m.mu.Lock()
	ch := m.readyCh
	if m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
