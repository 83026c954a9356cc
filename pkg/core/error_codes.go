package core

import "errors"

// ErrorCode represents a stable connection error identifier.
type ErrorCode string

// Error code constants define standardized identifiers surfaced in error events.
const (
	ErrCodeUnknown             ErrorCode = "UNKNOWN"
	ErrCodeNoCredentials       ErrorCode = "NO_CREDENTIALS"
	ErrCodeTransportInitFailed ErrorCode = "TRANSPORT_INIT_FAILED"
	ErrCodeNetwork             ErrorCode = "NETWORK_ERROR"
	ErrCodeTransport           ErrorCode = "TRANSPORT_ERROR"
	ErrCodeStaleConnection     ErrorCode = "STALE_CONNECTION"
	ErrCodeMaxAttempts         ErrorCode = "MAX_ATTEMPTS_EXCEEDED"

	// Client state errors
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"
	ErrCodeClosed       ErrorCode = "CLIENT_CLOSED"

	// Server rejections
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Outbound throttling
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Wire format
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
)

// CodeFor returns the default error code for an error type.
func CodeFor(t ErrorType) ErrorCode {
	switch t {
	case ErrorTypeNoCredentials:
		return ErrCodeNoCredentials
	case ErrorTypeTransportInitFailed:
		return ErrCodeTransportInitFailed
	case ErrorTypeNetwork:
		return ErrCodeNetwork
	case ErrorTypeTransport:
		return ErrCodeTransport
	case ErrorTypeStaleConnection:
		return ErrCodeStaleConnection
	case ErrorTypeMaxAttemptsExceeded:
		return ErrCodeMaxAttempts
	case ErrorTypeNotConnected:
		return ErrCodeNotConnected
	case ErrorTypeUnauthorized:
		return ErrCodeUnauthorized
	case ErrorTypeRateLimited:
		return ErrCodeRateLimited
	case ErrorTypeInvalidConfig:
		return ErrCodeInvalidConfig
	default:
		return ErrCodeUnknown
	}
}

// IsErrorCode checks if the error carries the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCode(connErr.Code) == code
	}
	return false
}
