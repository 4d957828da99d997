package connection

import (
	"context"
	"sync"

	"github.com/guseggert/appdriver/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Machine tracks the handshake and liveness state of one connection.
// Every message sent or received passes through Observe. Failed is terminal.
type Machine struct {
	mu       sync.Mutex
	state    State
	accepted bool
	bundleID string
	err      error
	changed  chan struct{}
}

func NewMachine() *Machine {
	return &Machine{changed: make(chan struct{})}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BundleID is the identifier the peer announced in Connect.
func (m *Machine) BundleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundleID
}

// Err returns the cause of the failure, or nil if the machine has not failed.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Observe applies msg to the machine. An illegal message moves the machine to Failed
// and returns a *ProtocolViolationError.
func (m *Machine) Observe(msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := msg.Kind()
	switch m.state {
	case Disconnected:
		if connect, ok := msg.(protocol.Connect); ok {
			m.bundleID = connect.BundleID
			m.setLocked(Connecting)
			return nil
		}
	case Connecting:
		if !m.accepted && k == protocol.KindAcceptConnection {
			m.accepted = true
			return nil
		}
		if m.accepted && k == protocol.KindConnectionOK {
			m.setLocked(Connected)
			return nil
		}
	case Connected:
		switch k {
		case protocol.KindConnect, protocol.KindAcceptConnection:
		default:
			return nil
		}
	case Failed:
		return m.err
	}

	err := &ProtocolViolationError{State: m.state, Kind: k}
	m.failLocked(err)
	return err
}

// Fail moves the machine to Failed, keeping the first cause. It reports whether this call
// caused the transition.
func (m *Machine) Fail(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Failed {
		return false
	}
	m.failLocked(err)
	return true
}

func (m *Machine) failLocked(err error) {
	if err == nil {
		err = ErrTerminated
	}
	m.err = err
	m.setLocked(Failed)
}

func (m *Machine) setLocked(s State) {
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// Wait blocks until the machine reaches want. It returns the failure cause if the machine
// fails first, or ctx.Err() if ctx ends first.
func (m *Machine) Wait(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		state, err, changed := m.state, m.err, m.changed
		m.mu.Unlock()

		if state == want {
			return nil
		}
		if state == Failed {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
