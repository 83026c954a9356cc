package core

import "fmt"

// TransportKind identifies one concrete transport variant.
type TransportKind string

// Transport kind constants in default preference order.
const (
	// TransportMultiplexed is a Socket.IO style multiplexed socket over websocket.
	TransportMultiplexed TransportKind = "multiplexed"
	// TransportRawSocket is a plain websocket.
	TransportRawSocket TransportKind = "websocket"
	// TransportSSE is a server-sent events stream; sends go through separate HTTP calls.
	TransportSSE TransportKind = "sse"
	// TransportPolling is HTTP long-polling.
	TransportPolling TransportKind = "polling"
)

// DefaultTransportOrder is the fallback order used when a profile does not override it.
var DefaultTransportOrder = []TransportKind{
	TransportMultiplexed,
	TransportRawSocket,
	TransportSSE,
	TransportPolling,
}

// String returns the transport kind name.
func (k TransportKind) String() string {
	return string(k)
}

// Valid reports whether k is a known transport kind.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportMultiplexed, TransportRawSocket, TransportSSE, TransportPolling:
		return true
	}
	return false
}

// Bidirectional reports whether sends travel over the same channel as receives.
func (k TransportKind) Bidirectional() bool {
	return k == TransportMultiplexed || k == TransportRawSocket
}

// Describe returns a user facing explanation of what running on this transport means.
func (k TransportKind) Describe() string {
	switch k {
	case TransportMultiplexed:
		return "Live connection established"
	case TransportRawSocket:
		return "Live connection established (basic websocket)"
	case TransportSSE:
		return "Receiving live updates; sending may be slower"
	case TransportPolling:
		return "Limited connectivity; updates may be delayed"
	default:
		return fmt.Sprintf("Connected via %s", string(k))
	}
}

// ParseTransportKind converts a configuration string into a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	k := TransportKind(s)
	switch s {
	case "ws", "raw":
		k = TransportRawSocket
	case "socketio", "socket.io":
		k = TransportMultiplexed
	case "eventsource":
		k = TransportSSE
	case "longpoll":
		k = TransportPolling
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown transport %q", s)
	}
	return k, nil
}
