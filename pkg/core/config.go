package core

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the tunables shared by the REST executor, the WebSocket session
// and the user stream runner of one exchange connection.
type Config struct {
	Exchange    string         `json:"exchange" validate:"required"`
	Sandbox     bool           `json:"sandbox"`
	Credentials []*Credentials `json:"credentials,omitempty" validate:"dive"`

	RESTBaseURL string `json:"rest_base_url" validate:"omitempty,url"`
	WSBaseURL   string `json:"ws_base_url" validate:"omitempty,url"`

	// Timeout is the maximum duration of one HTTP attempt.
	Timeout      time.Duration `json:"timeout" validate:"min=1ms"`
	MaxAttempts  int           `json:"max_attempts" validate:"min=1"`
	RetryWaitMin time.Duration `json:"retry_wait_min" validate:"min=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" validate:"gtefield=RetryWaitMin"`
	// AcquireTimeout bounds waiting for a rate limit permit; zero waits until cancelled.
	AcquireTimeout time.Duration `json:"acquire_timeout" validate:"min=0"`

	PingInterval   time.Duration `json:"ping_interval" validate:"min=0"`
	MessageTimeout time.Duration `json:"message_timeout" validate:"min=0"`
	LoginTimeout   time.Duration `json:"login_timeout" validate:"min=1ms"`
	// SendRate caps outbound socket messages per second; zero disables pacing.
	SendRate float64 `json:"send_rate" validate:"min=0"`

	ReconnectWaitMin time.Duration `json:"reconnect_wait_min" validate:"min=1ms"`
	ReconnectWaitMax time.Duration `json:"reconnect_wait_max" validate:"gtefield=ReconnectWaitMin"`
	// MaxReconnects caps consecutive failed connection attempts; zero retries forever.
	MaxReconnects int `json:"max_reconnects" validate:"min=0"`

	QueueSize   int           `json:"queue_size" validate:"min=1"`
	PushTimeout time.Duration `json:"push_timeout" validate:"min=0"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with sensible defaults for the specified exchange.
// Default values: 10s timeout, 3 attempts with 100ms-1s backoff, 20s ping interval,
// 30s message timeout, 1s-60s reconnect backoff, queue of 1000 events,
// circuit breaker with 5 failures/2 successes/30s timeout.
func DefaultConfig(exchange string) *Config {
	return &Config{
		Exchange:     exchange,
		Timeout:      10 * time.Second,
		MaxAttempts:  3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 1 * time.Second,

		PingInterval:   20 * time.Second,
		MessageTimeout: 30 * time.Second,
		LoginTimeout:   10 * time.Second,
		SendRate:       5,

		ReconnectWaitMin: 1 * time.Second,
		ReconnectWaitMax: 60 * time.Second,

		QueueSize: 1000,

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		LogLevel: "info",
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.PingInterval > 0 && c.MessageTimeout > 0 && c.MessageTimeout <= c.PingInterval {
		return errors.New("MessageTimeout must exceed PingInterval")
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// WithCredentials adds API credentials and returns the config for chaining.
func (c *Config) WithCredentials(creds ...*Credentials) *Config {
	c.Credentials = append(c.Credentials, creds...)
	return c
}

// WithSandbox enables or disables sandbox mode and returns the config for chaining.
func (c *Config) WithSandbox(sandbox bool) *Config {
	c.Sandbox = sandbox
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRetry sets the attempt budget and backoff bounds and returns the config for chaining.
func (c *Config) WithRetry(attempts int, minWait, maxWait time.Duration) *Config {
	c.MaxAttempts = attempts
	c.RetryWaitMin = minWait
	c.RetryWaitMax = maxWait
	return c
}

// WithHeartbeat sets the ping interval and the inbound silence limit and returns the config for chaining.
func (c *Config) WithHeartbeat(ping, timeout time.Duration) *Config {
	c.PingInterval = ping
	c.MessageTimeout = timeout
	return c
}

// WithReconnect sets the reconnect backoff bounds and ceiling and returns the config for chaining.
// Equal bounds give a flat delay.
func (c *Config) WithReconnect(minWait, maxWait time.Duration, maxAttempts int) *Config {
	c.ReconnectWaitMin = minWait
	c.ReconnectWaitMax = maxWait
	c.MaxReconnects = maxAttempts
	return c
}

// WithQueue sets the event queue capacity and push timeout and returns the config for chaining.
func (c *Config) WithQueue(size int, pushTimeout time.Duration) *Config {
	c.QueueSize = size
	c.PushTimeout = pushTimeout
	return c
}

// WithURLs overrides the REST and WebSocket endpoints and returns the config for chaining.
func (c *Config) WithURLs(rest, ws string) *Config {
	c.RESTBaseURL = rest
	c.WSBaseURL = ws
	return c
}
