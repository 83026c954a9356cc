package core

import (
	"time"

	"sekretar/pkg/quality"
)

// EventKind identifies a lifecycle event emitted by a connection manager.
type EventKind int

// Event kinds delivered to listeners.
const (
	EventStateChange EventKind = iota
	EventConnected
	EventDisconnected
	EventReconnecting
	EventStatusChange
	EventQualityChange
	EventMaxAttemptsReached
	EventError
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	if k < EventStateChange || k > EventError {
		return "unknown"
	}
	return [...]string{
		"state_change",
		"connected",
		"disconnected",
		"reconnecting",
		"status_change",
		"quality_change",
		"max_attempts_reached",
		"error",
	}[k]
}

// MarshalJSON implements json.Marshaler for EventKind.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Status is the coarse connection status shown to users.
type Status string

// Status values carried by status change events.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Event is a lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// state_change
	State    ConnState `json:"state"`
	Previous ConnState `json:"previous"`
	Reason   string    `json:"reason,omitempty"`

	// reconnecting
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	// status_change
	Status    Status        `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	Transport TransportKind `json:"transport,omitempty"`

	// quality_change
	Quality quality.Label `json:"quality,omitempty"`
	AvgRTT  time.Duration `json:"avg_rtt,omitempty"`

	// error
	Err error `json:"-"`
}

// ErrorType returns the taxonomy type of an error event.
func (e Event) ErrorType() ErrorType {
	return Classify(e.Err)
}
