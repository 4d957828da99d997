package connection

import (
	"errors"
	"fmt"

	"github.com/guseggert/appdriver/protocol"
)

var (
	ErrHeartbeatTimeout = errors.New("heartbeat not acknowledged in time")
	ErrReplyTimeout     = errors.New("no reply in time")
	ErrHandshakeTimeout = errors.New("handshake did not complete in time")
	ErrTerminated       = errors.New("connection terminated")
	ErrNotConnected     = errors.New("not connected")
	ErrPeerClosed       = errors.New("peer closed the connection")
	ErrTargetExited     = errors.New("target process exited")
)

// ConnectivityError reports that an operation could not complete because the connection is
// unusable or the caller gave up waiting. Protocol violations and decode failures also surface
// wrapped in a ConnectivityError.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is, or wraps, a *ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// ProtocolViolationError reports a message that is not legal in the current state.
type ProtocolViolationError struct {
	State  State
	Kind   protocol.Kind
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol violation: unexpected %s in state %s", e.Kind, e.State)
	}
	return fmt.Sprintf("protocol violation: %s in state %s: %s", e.Kind, e.State, e.Reason)
}
