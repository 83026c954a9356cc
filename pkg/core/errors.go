package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of a connection error.
type ErrorType int

// Error type constants categorize failures for state machine handling.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNoCredentials indicates no bearer token was supplied. No retry is scheduled.
	ErrorTypeNoCredentials
	// ErrorTypeTransportInitFailed indicates the transport cannot be used against the endpoint.
	// It triggers fallback selection.
	ErrorTypeTransportInitFailed
	// ErrorTypeNetwork indicates a network connectivity failure or timeout.
	ErrorTypeNetwork
	// ErrorTypeTransport indicates a protocol-level failure on an open transport.
	ErrorTypeTransport
	// ErrorTypeStaleConnection indicates the keepalive declared the connection dead.
	ErrorTypeStaleConnection
	// ErrorTypeMaxAttemptsExceeded indicates reconnection attempts were exhausted.
	ErrorTypeMaxAttemptsExceeded
	// ErrorTypeNotConnected indicates an operation requiring an open connection was attempted.
	ErrorTypeNotConnected
	// ErrorTypeUnauthorized indicates the server rejected the bearer token.
	ErrorTypeUnauthorized
	// ErrorTypeRateLimited indicates an outbound send exceeded the configured rate.
	ErrorTypeRateLimited
	// ErrorTypeInvalidConfig indicates the manager configuration is invalid.
	ErrorTypeInvalidConfig
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	if t < ErrorTypeUnknown || t > ErrorTypeInvalidConfig {
		return "UNKNOWN"
	}
	return [...]string{
		"UNKNOWN",
		"NO_CREDENTIALS",
		"TRANSPORT_INIT_FAILED",
		"NETWORK",
		"TRANSPORT",
		"STALE_CONNECTION",
		"MAX_ATTEMPTS_EXCEEDED",
		"NOT_CONNECTED",
		"UNAUTHORIZED",
		"RATE_LIMITED",
		"INVALID_CONFIG",
	}[t]
}

// Cause returns the short lower-case cause used in state change reason codes.
func (t ErrorType) Cause() string {
	switch t {
	case ErrorTypeNoCredentials:
		return "no_credentials"
	case ErrorTypeTransportInitFailed:
		return "transport_init_failed"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeTransport:
		return "transport"
	case ErrorTypeStaleConnection:
		return "stale"
	case ErrorTypeMaxAttemptsExceeded:
		return "max_attempts"
	case ErrorTypeNotConnected:
		return "not_connected"
	case ErrorTypeUnauthorized:
		return "unauthorized"
	case ErrorTypeRateLimited:
		return "rate_limited"
	case ErrorTypeInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// Sentinel errors for common error conditions.
var (
	// ErrNoCredentials is returned when connecting without a bearer token.
	ErrNoCredentials = errors.New("no credentials supplied")
	// ErrNotConnected is returned when sending while no transport is open.
	ErrNotConnected = errors.New("realtime connection not established")
	// ErrClosed is returned when using a manager that has been torn down.
	ErrClosed = errors.New("connection manager is closed")
	// ErrRateLimited is returned when an outbound send exceeds the configured rate.
	ErrRateLimited = errors.New("send rate limit exceeded")
	// ErrTransportInit signals that a transport cannot serve the endpoint.
	ErrTransportInit = errors.New("transport initialization failed")
	// ErrStale is reported when the keepalive gives up on a connection.
	ErrStale = errors.New("connection is stale")
	// ErrMaxAttempts is reported when reconnection attempts are exhausted.
	ErrMaxAttempts = errors.New("max reconnect attempts reached")
	// ErrUnauthorized signals that the server rejected the bearer token.
	ErrUnauthorized = errors.New("credentials rejected by server")
)

// ConnectionError represents a structured failure of the connection manager.
type ConnectionError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// Transport names the transport the failure happened on, if any.
	Transport TransportKind `json:"transport,omitempty"`
	// Code is the stable machine readable error code.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface for ConnectionError.
func (e *ConnectionError) Error() string {
	prefix := e.Type.String()
	if e.Transport != "" {
		prefix = fmt.Sprintf("[%s] %s", e.Transport, prefix)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// WithCode sets the error code and returns the error for chaining.
func (e *ConnectionError) WithCode(code ErrorCode) *ConnectionError {
	e.Code = string(code)
	return e
}

// WithTransport sets the transport kind and returns the error for chaining.
func (e *ConnectionError) WithTransport(kind TransportKind) *ConnectionError {
	e.Transport = kind
	return e
}

// NewConnectionError creates a ConnectionError with the default code for its type.
// The timestamp is automatically set to the current time.
func NewConnectionError(errorType ErrorType, message string, cause error) *ConnectionError {
	return &ConnectionError{
		Type:      errorType,
		Code:      string(CodeFor(errorType)),
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Type
	}
	return ErrorTypeUnknown
}

// Classify maps an arbitrary dial or transport error onto the error taxonomy.
// Errors already carrying a ConnectionError keep their type.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if t := TypeOf(err); t != ErrorTypeUnknown {
		return t
	}

	switch {
	case errors.Is(err, ErrNoCredentials):
		return ErrorTypeNoCredentials
	case errors.Is(err, ErrTransportInit):
		return ErrorTypeTransportInitFailed
	case errors.Is(err, ErrUnauthorized):
		return ErrorTypeUnauthorized
	case errors.Is(err, ErrStale):
		return ErrorTypeStaleConnection
	case errors.Is(err, ErrNotConnected):
		return ErrorTypeNotConnected
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}

	return ErrorTypeTransport
}

// IsNoCredentialsError returns true if the error reports a missing token.
func IsNoCredentialsError(err error) bool {
	return Classify(err) == ErrorTypeNoCredentials
}

// IsTransportInitError returns true if the transport cannot serve the endpoint.
// Init errors trigger fallback to the next transport instead of a backoff.
func IsTransportInitError(err error) bool {
	return Classify(err) == ErrorTypeTransportInitFailed
}

// IsNetworkError returns true if the error is a network connectivity issue.
// Network errors are retried with backoff.
func IsNetworkError(err error) bool {
	return Classify(err) == ErrorTypeNetwork
}

// IsTerminalError returns true if retrying will not help without caller action.
func IsTerminalError(err error) bool {
	switch Classify(err) {
	case ErrorTypeNoCredentials, ErrorTypeMaxAttemptsExceeded, ErrorTypeInvalidConfig:
		return true
	}
	return false
}
