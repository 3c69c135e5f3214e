// Package exchange assembles the runtime pieces of one exchange connection:
// the rate-limited REST executor and the WebSocket session a user stream runs on.
// Exchange packages describe themselves with a Profile.
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"exlink/internal/circuitbreaker"
	"exlink/internal/keyring"
	"exlink/internal/ratelimit"
	"exlink/internal/transport"
	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/rest"
	"exlink/pkg/ws"
)

// Profile holds what differs between exchanges.
type Profile struct {
	Name string

	RESTURL        string
	SandboxRESTURL string
	WSURL          string
	SandboxWSURL   string

	RateLimits []ratelimit.Rule
	// Classifier replaces the default body classifier when set.
	Classifier rest.BodyClassifier
	// Authenticator builds the signer over the connection's key ring.
	Authenticator func(keys *keyring.KeyRing, clock core.Clock) core.Authenticator
	// PingPayload is the application ping; nil uses protocol pings.
	PingPayload []byte
}

// Client is one configured exchange connection.
type Client struct {
	profile Profile
	cfg     *core.Config

	http    *transport.HTTPClient
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	keys    *keyring.KeyRing
	auth    core.Authenticator
	rest    *rest.Executor
	session *ws.Session

	logger  zerolog.Logger
	metrics *metrics.Collectors
}

// New validates cfg and wires a client for profile.
func New(cfg *core.Config, profile Profile, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, core.NewExchangeError(cfg.Exchange, core.ErrorTypeUnknown, 0, fmt.Sprintf("validate config: %v", err)).
			WithCode(string(core.ErrCodeInvalidConfig))
	}

	o := &Options{Logger: zerolog.Nop(), Clock: core.SystemClock}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.Logger.With().Str("exchange", profile.Name).Logger()

	c := &Client{
		profile: profile,
		cfg:     cfg,
		keys:    o.KeyRing,
		logger:  logger,
		metrics: o.Metrics,
	}
	if c.keys == nil {
		c.keys = keyring.FromCredentials(cfg.Credentials, keyring.RotationOnError)
	}
	c.keys.SetLogger(logger)

	limiter, err := ratelimit.New(profile.RateLimits,
		ratelimit.WithClock(o.Clock),
		ratelimit.WithAcquireTimeout(cfg.AcquireTimeout),
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(func(limitID string, waited time.Duration, err error) {
			c.metrics.ObserveRateLimit(limitID, waited, core.IsRateLimitTimeout(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	c.limiter = limiter

	doer := o.Doer
	if doer == nil {
		c.http, err = transport.NewHTTPClient(&transport.HTTPConfig{
			BaseURL: c.RESTURL(),
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		doer = c.http
	}

	if profile.Authenticator != nil {
		c.auth = profile.Authenticator(c.keys, o.Clock)
	}

	restOpts := []rest.Option{
		rest.WithExchange(profile.Name),
		rest.WithLimiter(limiter),
		rest.WithRetryPolicy(rest.RetryPolicyFromConfig(cfg)),
		rest.WithTimeout(cfg.Timeout),
		rest.WithClock(o.Clock),
		rest.WithLogger(logger),
		rest.WithMetrics(o.Metrics),
	}
	if c.auth != nil {
		restOpts = append(restOpts, rest.WithAuthenticator(c.auth))
	}
	if profile.Classifier != nil {
		restOpts = append(restOpts, rest.WithClassifier(profile.Classifier))
	}
	if cfg.CircuitBreakerEnabled {
		c.breaker = circuitbreaker.New(circuitbreaker.FromConfig(cfg),
			circuitbreaker.WithClock(o.Clock),
			circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
				logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
				c.metrics.SetBreakerState(profile.Name, int(to))
			}),
		)
		restOpts = append(restOpts, rest.WithBreaker(c.breaker))
	}
	c.rest = rest.NewExecutor(doer, restOpts...)

	wsCfg := ws.FromConfig(cfg)
	wsCfg.PingPayload = profile.PingPayload
	c.session = ws.NewSession(o.Dialer, wsCfg,
		ws.WithExchange(profile.Name),
		ws.WithLogger(logger),
		ws.WithMetrics(o.Metrics),
	)
	return c, nil
}

func (c *Client) Name() string { return c.profile.Name }

func (c *Client) Config() *core.Config { return c.cfg }

// RESTURL is the configured REST base URL, falling back to the profile's.
func (c *Client) RESTURL() string {
	switch {
	case c.cfg.RESTBaseURL != "":
		return c.cfg.RESTBaseURL
	case c.cfg.Sandbox:
		return c.profile.SandboxRESTURL
	}
	return c.profile.RESTURL
}

// WSURL is the configured WebSocket base URL, falling back to the profile's.
func (c *Client) WSURL() string {
	switch {
	case c.cfg.WSBaseURL != "":
		return c.cfg.WSBaseURL
	case c.cfg.Sandbox:
		return c.profile.SandboxWSURL
	}
	return c.profile.WSURL
}

func (c *Client) REST() *rest.Executor { return c.rest }
func (c *Client) Session() *ws.Session { return c.session }
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }
func (c *Client) Keys() *keyring.KeyRing { return c.keys }
func (c *Client) Authenticator() core.Authenticator { return c.auth }
func (c *Client) Logger() zerolog.Logger { return c.logger }
func (c *Client) Metrics() *metrics.Collectors { return c.metrics }

// Close disconnects the session and releases the HTTP client.
func (c *Client) Close() error {
	c.session.Disconnect()
	if c.http != nil {
		return c.http.Close()
	}
	return nil
}
