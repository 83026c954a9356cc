package ws

import (
	"fmt"
	"sync/atomic"
)

// ConnState represents the current state of a realtime connection.
type ConnState int32

// Connection states for the connection manager lifecycle.
const (
	// StateDisconnected indicates no connection is open and none is scheduled.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a connection attempt is in flight.
	StateConnecting
	// StateConnected indicates a transport is open and the keepalive is running.
	StateConnected
	// StateReconnecting indicates the manager is waiting out a backoff delay before retrying.
	StateReconnecting
	// StateFailed indicates retries were exhausted; only a manual reconnect leaves this state.
	StateFailed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	if s < StateDisconnected || s > StateFailed {
		return "unknown"
	}
	return [...]string{
		"disconnected",
		"connecting",
		"connected",
		"reconnecting",
		"failed",
	}[s]
}

// Active reports whether the state holds or is acquiring a transport.
func (s ConnState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state and returns the previous one.
func (s *State) Store(state ConnState) ConnState {
	return ConnState(s.state.Swap(int32(state)))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// MarshalJSON implements json.Marshaler for ConnState.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for ConnState.
func (s *ConnState) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"disconnected"`:
		*s = StateDisconnected
	case `"connecting"`:
		*s = StateConnecting
	case `"connected"`:
		*s = StateConnected
	case `"reconnecting"`:
		*s = StateReconnecting
	case `"failed"`:
		*s = StateFailed
	default:
		return fmt.Errorf("unknown connection state %s", data)
	}
	return nil
}
