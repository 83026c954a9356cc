package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Control and domain message types carried in Envelope.Type.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	TypeNewMessage   = "new_message"
	TypeNotification = "notification"
	TypeSystemAlert  = "system_alert"
)

// Envelope is the JSON frame exchanged with the realtime server over every transport.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	// Timestamp is the sender clock in Unix milliseconds.
	Timestamp int64 `json:"ts,omitempty"`
}

// IsControl reports whether the envelope is handled by the manager rather than dispatched.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case TypePing, TypePong, TypeSubscribe, TypeUnsubscribe:
		return true
	}
	return false
}

// Time returns the sender timestamp, or the zero time when absent.
func (e Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// Bind decodes the envelope payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %q has no data", e.Type)
	}
	return sonic.Unmarshal(e.Data, v)
}

// PingEnvelope builds a heartbeat probe.
func PingEnvelope(id string, at time.Time) Envelope {
	return Envelope{Type: TypePing, ID: id, Timestamp: at.UnixMilli()}
}

// PongEnvelope builds the answer to a ping carrying the same id.
func PongEnvelope(id string, at time.Time) Envelope {
	return Envelope{Type: TypePong, ID: id, Timestamp: at.UnixMilli()}
}

// SubscribeEnvelope builds a channel join request.
func SubscribeEnvelope(channel string) Envelope {
	return Envelope{Type: TypeSubscribe, Channel: channel}
}

// UnsubscribeEnvelope builds a channel leave request.
func UnsubscribeEnvelope(channel string) Envelope {
	return Envelope{Type: TypeUnsubscribe, Channel: channel}
}

// NewEnvelope builds a domain envelope, encoding data as its payload.
func NewEnvelope(msgType, id string, data any, at time.Time) (Envelope, error) {
	env := Envelope{Type: msgType, ID: id, Timestamp: at.UnixMilli()}
	if data != nil {
		raw, err := sonic.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeEnvelope parses a wire frame. Frames without a type are rejected.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(data, &e); err != nil {
		return Envelope{}, NewConnectionError(ErrorTypeTransport, "malformed frame", err).
			WithCode(ErrCodeMalformedMessage)
	}
	if e.Type == "" {
		return Envelope{}, NewConnectionError(ErrorTypeTransport, "frame has no type", nil).
			WithCode(ErrCodeMalformedMessage)
	}
	return e, nil
}
