package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of a failure raised by the runtime.
type ErrorType int

// Error type constants categorize errors for retry and reconnect decisions.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork indicates a connection reset or refused dial.
	ErrorTypeNetwork
	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeServerError indicates a 5xx response.
	ErrorTypeServerError
	// ErrorTypeRateLimit indicates the exchange rejected the call for exceeding its limits.
	ErrorTypeRateLimit
	// ErrorTypeRateLimitTimeout indicates a local permit could not be obtained in time.
	ErrorTypeRateLimitTimeout
	// ErrorTypeAuthentication indicates invalid, expired or rejected credentials.
	ErrorTypeAuthentication
	// ErrorTypeBadRequest indicates invalid request parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound indicates the requested resource does not exist.
	ErrorTypeNotFound
	// ErrorTypeProtocol indicates a malformed or unexpected frame or body.
	ErrorTypeProtocol
	// ErrorTypeConnectionLost indicates the socket closed, failed or stopped answering.
	ErrorTypeConnectionLost
	// ErrorTypeSubscriptionRejected indicates the server refused a subscription.
	ErrorTypeSubscriptionRejected
)

var errorTypeNames = [...]string{
	"UNKNOWN",
	"NETWORK",
	"TIMEOUT",
	"SERVER_ERROR",
	"RATE_LIMIT",
	"RATE_LIMIT_TIMEOUT",
	"AUTHENTICATION",
	"BAD_REQUEST",
	"NOT_FOUND",
	"PROTOCOL",
	"CONNECTION_LOST",
	"SUBSCRIPTION_REJECTED",
}

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	if t < 0 || int(t) >= len(errorTypeNames) {
		return "UNKNOWN"
	}
	return errorTypeNames[t]
}

// Transient reports whether failures of this type are expected to clear on retry.
func (t ErrorType) Transient() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeRateLimit:
		return true
	}
	return false
}

// Sentinel errors for common error conditions.
var (
	// ErrSendOnClosedSocket is returned when sending on a session that is not connected.
	ErrSendOnClosedSocket = errors.New("send on closed socket")
	// ErrHeartbeatTimeout is returned when no inbound traffic arrived within the message timeout.
	ErrHeartbeatTimeout = errors.New("websocket heartbeat timeout")
	// ErrRateLimitTimeout is returned when a rate limit permit was not granted before the deadline.
	ErrRateLimitTimeout = errors.New("rate limit permit timeout")
	// ErrUnknownLimit is returned when acquiring a limit id that has no rule.
	ErrUnknownLimit = errors.New("unknown rate limit id")
	// ErrCircuitBreakerOpen is returned when circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrQueueFull is returned when an event could not be queued within the push timeout.
	ErrQueueFull = errors.New("event queue full")
	// ErrNoCredentials is returned when no API credentials are configured.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrNoAPIKey is returned when no API key is available.
	ErrNoAPIKey = errors.New("no available API key")
)

// ExchangeError represents a structured failure from an exchange or from the runtime
// talking to it. It wraps the underlying cause when there is one.
type ExchangeError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code, zero for socket failures.
	StatusCode int `json:"status_code"`
	// Code is the exchange-specific error code.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Exchange identifies which exchange the failure relates to.
	Exchange string `json:"exchange"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface for ExchangeError.
func (e *ExchangeError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s (%d/%s): %s",
			e.Exchange, e.Type, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s (%d): %s",
		e.Exchange, e.Type, e.StatusCode, msg)
}

// Unwrap returns the underlying cause.
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// WithCode sets the exchange error code and returns the error for chaining.
func (e *ExchangeError) WithCode(code string) *ExchangeError {
	e.Code = code
	return e
}

// WithCause sets the wrapped cause and returns the error for chaining.
func (e *ExchangeError) WithCause(err error) *ExchangeError {
	e.Err = err
	return e
}

// NewExchangeError creates a new ExchangeError with the specified details.
// The timestamp is automatically set to the current time.
func NewExchangeError(exchange string, errorType ErrorType, statusCode int, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

// WrapError classifies err under errorType, keeping it reachable through errors.Is.
func WrapError(exchange string, errorType ErrorType, err error) *ExchangeError {
	return &ExchangeError{
		Type:      errorType,
		Exchange:  exchange,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Type
	}
	return ErrorTypeUnknown
}

// IsTransientError returns true for network, timeout, 5xx and exchange rate limit failures.
func IsTransientError(err error) bool {
	return TypeOf(err).Transient()
}

// IsRetryable returns true if the REST executor may retry after err.
func IsRetryable(err error) bool {
	return IsTransientError(err)
}

// IsRateLimitError returns true if the exchange reported a rate limit violation.
func IsRateLimitError(err error) bool {
	return TypeOf(err) == ErrorTypeRateLimit
}

// IsRateLimitTimeout returns true if a local permit was not granted in time.
func IsRateLimitTimeout(err error) bool {
	return errors.Is(err, ErrRateLimitTimeout) || TypeOf(err) == ErrorTypeRateLimitTimeout
}

// IsAuthenticationError returns true if the error is an authentication failure.
// Authentication errors require operator action and are never retried.
func IsAuthenticationError(err error) bool {
	return TypeOf(err) == ErrorTypeAuthentication
}

// IsProtocolError returns true for malformed frames and bodies.
func IsProtocolError(err error) bool {
	return TypeOf(err) == ErrorTypeProtocol
}

// IsConnectionLost returns true when the socket closed, failed or timed out.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrHeartbeatTimeout) || TypeOf(err) == ErrorTypeConnectionLost
}

// IsSubscriptionRejected returns true when the server refused a subscription.
func IsSubscriptionRejected(err error) bool {
	return TypeOf(err) == ErrorTypeSubscriptionRejected
}
