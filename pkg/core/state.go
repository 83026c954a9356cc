package core

import "sekretar/internal/ws"

// ConnState is the lifecycle state of a connection manager.
type ConnState = ws.ConnState

// Connection states re-exported for callers outside the module.
const (
	StateDisconnected = ws.StateDisconnected
	StateConnecting   = ws.StateConnecting
	StateConnected    = ws.StateConnected
	StateReconnecting = ws.StateReconnecting
	StateFailed       = ws.StateFailed
)

// Reason codes carried by state change events.
const (
	ReasonConnecting         = "connecting"
	ReasonOpened             = "opened"
	ReasonRetry              = "retry"
	ReasonManual             = "manual"
	ReasonClientClosed       = "closed:client"
	ReasonStale              = "closed:stale"
	ReasonRemoteClosed       = "closed:remote"
	ReasonMaxAttemptsReached = "max_attempts_reached"
)

// ErrorReason returns the "error:<cause>" reason code for a failure of type t.
func ErrorReason(t ErrorType) string {
	return "error:" + t.Cause()
}

// ClosedReason returns the "closed:<cause>" reason code for a connection lost with type t.
// A peer that went away is reported as closed:remote.
func ClosedReason(t ErrorType) string {
	switch t {
	case ErrorTypeStaleConnection:
		return ReasonStale
	case ErrorTypeNetwork:
		return ReasonRemoteClosed
	}
	return "closed:" + t.Cause()
}
