package core

import "errors"

// ErrorCode represents a runtime error identifier carried in ExchangeError.Code
// when the exchange did not supply one of its own.
type ErrorCode string

const (
	ErrCodeRateLimitTimeout ErrorCode = "RATE_LIMIT_TIMEOUT"
	ErrCodeUnknownLimit     ErrorCode = "UNKNOWN_LIMIT"
	ErrCodeBodyError        ErrorCode = "BODY_ERROR"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"

	// Socket errors
	ErrCodeSendOnClosed     ErrorCode = "SEND_ON_CLOSED_SOCKET"
	ErrCodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"
	ErrCodeStaleStream      ErrorCode = "STALE_STREAM"
	ErrCodeLoginFailed      ErrorCode = "LOGIN_FAILED"
	ErrCodeListenKeyExpired ErrorCode = "LISTEN_KEY_EXPIRED"
	ErrCodeRenewalFailed    ErrorCode = "RENEWAL_FAILED"

	ErrCodeCircuitBreaker ErrorCode = "CIRCUIT_BREAKER_OPEN"
)

// IsErrorCode checks if the error matches the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return ErrorCode(exErr.Code) == code
	}
	return false
}
