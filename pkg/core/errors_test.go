package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		want      string
	}{
		{"unknown", ErrorTypeUnknown, "UNKNOWN"},
		{"no_credentials", ErrorTypeNoCredentials, "NO_CREDENTIALS"},
		{"transport_init_failed", ErrorTypeTransportInitFailed, "TRANSPORT_INIT_FAILED"},
		{"network", ErrorTypeNetwork, "NETWORK"},
		{"transport", ErrorTypeTransport, "TRANSPORT"},
		{"stale", ErrorTypeStaleConnection, "STALE_CONNECTION"},
		{"max_attempts", ErrorTypeMaxAttemptsExceeded, "MAX_ATTEMPTS_EXCEEDED"},
		{"not_connected", ErrorTypeNotConnected, "NOT_CONNECTED"},
		{"unauthorized", ErrorTypeUnauthorized, "UNAUTHORIZED"},
		{"rate_limited", ErrorTypeRateLimited, "RATE_LIMITED"},
		{"invalid_config", ErrorTypeInvalidConfig, "INVALID_CONFIG"},
		{"out_of_range", ErrorType(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.errorType.String())
		})
	}
}

func TestConnectionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ConnectionError
		want string
	}{
		{
			name: "plain",
			err:  &ConnectionError{Type: ErrorTypeNetwork, Message: "dial failed"},
			want: "NETWORK: dial failed",
		},
		{
			name: "with_transport",
			err: &ConnectionError{
				Type:      ErrorTypeTransportInitFailed,
				Transport: TransportSSE,
				Message:   "handshake rejected",
			},
			want: "[sse] TRANSPORT_INIT_FAILED: handshake rejected",
		},
		{
			name: "with_cause",
			err: &ConnectionError{
				Type:    ErrorTypeTransport,
				Message: "read failed",
				Cause:   errors.New("unexpected EOF"),
			},
			want: "TRANSPORT: read failed: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNewConnectionError(t *testing.T) {
	cause := errors.New("boom")
	err := NewConnectionError(ErrorTypeStaleConnection, "no pong", cause)

	assert.Equal(t, ErrorTypeStaleConnection, err.Type)
	assert.Equal(t, string(ErrCodeStaleConnection), err.Code)
	assert.False(t, err.Timestamp.IsZero())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsErrorCode(err, ErrCodeStaleConnection))
	assert.False(t, IsErrorCode(errors.New("plain"), ErrCodeStaleConnection))

	err.WithCode(ErrCodeMalformedMessage).WithTransport(TransportPolling)
	assert.True(t, IsErrorCode(fmt.Errorf("wrapped: %w", err), ErrCodeMalformedMessage))
	assert.Equal(t, TransportPolling, err.Transport)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"connection_error", NewConnectionError(ErrorTypeUnauthorized, "bad token", nil), ErrorTypeUnauthorized},
		{"wrapped_connection_error", fmt.Errorf("dial: %w", NewConnectionError(ErrorTypeNetwork, "x", nil)), ErrorTypeNetwork},
		{"no_credentials", ErrNoCredentials, ErrorTypeNoCredentials},
		{"transport_init", fmt.Errorf("sse: %w", ErrTransportInit), ErrorTypeTransportInitFailed},
		{"unauthorized", ErrUnauthorized, ErrorTypeUnauthorized},
		{"stale", ErrStale, ErrorTypeStaleConnection},
		{"not_connected", ErrNotConnected, ErrorTypeNotConnected},
		{"rate_limited", ErrRateLimited, ErrorTypeRateLimited},
		{"deadline", context.DeadlineExceeded, ErrorTypeNetwork},
		{"net_error", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, ErrorTypeNetwork},
		{"other", errors.New("protocol violation"), ErrorTypeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsNoCredentialsError(ErrNoCredentials))
	assert.True(t, IsTransportInitError(ErrTransportInit))
	assert.True(t, IsNetworkError(context.DeadlineExceeded))
	assert.False(t, IsNetworkError(ErrTransportInit))

	assert.True(t, IsTerminalError(ErrNoCredentials))
	assert.True(t, IsTerminalError(NewConnectionError(ErrorTypeMaxAttemptsExceeded, "", nil)))
	assert.False(t, IsTerminalError(ErrStale))
}

func TestReasonCodes(t *testing.T) {
	assert.Equal(t, "error:network", ErrorReason(ErrorTypeNetwork))
	assert.Equal(t, "error:transport_init_failed", ErrorReason(ErrorTypeTransportInitFailed))
	assert.Equal(t, "closed:stale", ClosedReason(ErrorTypeStaleConnection))
	assert.Equal(t, "closed:transport", ClosedReason(ErrorTypeTransport))
	assert.Equal(t, "closed:remote", ClosedReason(ErrorTypeNetwork))
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, ErrCodeNoCredentials, CodeFor(ErrorTypeNoCredentials))
	assert.Equal(t, ErrCodeMaxAttempts, CodeFor(ErrorTypeMaxAttemptsExceeded))
	assert.Equal(t, ErrCodeUnknown, CodeFor(ErrorType(42)))
}
