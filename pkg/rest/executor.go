// Package rest executes authenticated, rate-limited and retried HTTP requests
// against an exchange and maps every outcome onto the core error taxonomy.
package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"exlink/internal/circuitbreaker"
	"exlink/internal/ratelimit"
	"exlink/internal/transport"
	"exlink/pkg/core"
	"exlink/pkg/metrics"
)

// Response is the raw result of a successful execution.
type Response = transport.Response

// Doer performs one HTTP round trip without retrying.
type Doer interface {
	Do(ctx context.Context, req *core.Request) (*Response, error)
}

// Executor runs the request pipeline: pre-processors, authentication, rate limit
// permit, network call, post-processors and classification, retrying transient
// failures with jittered exponential backoff.
type Executor struct {
	exchange   string
	doer       Doer
	limiter    *ratelimit.Limiter
	auth       core.Authenticator
	pre        []PreProcessor
	post       []PostProcessor
	retry      RetryPolicy
	classifier BodyClassifier
	breaker    *circuitbreaker.Breaker
	timeout    time.Duration
	clock      core.Clock
	logger     zerolog.Logger
	metrics    *metrics.Collectors
}

type Option func(*Executor)

func WithExchange(name string) Option {
	return func(e *Executor) { e.exchange = name }
}

// WithLimiter shares a rate limiter; several executors may use the same one.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

func WithAuthenticator(a core.Authenticator) Option {
	return func(e *Executor) { e.auth = a }
}

func WithPreProcessors(p ...PreProcessor) Option {
	return func(e *Executor) { e.pre = append(e.pre, p...) }
}

func WithPostProcessors(p ...PostProcessor) Option {
	return func(e *Executor) { e.post = append(e.post, p...) }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

func WithClassifier(c BodyClassifier) Option {
	return func(e *Executor) { e.classifier = c }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithTimeout sets the per-attempt timeout used when a request has none.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func WithClock(c core.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(doer Doer, opts ...Option) *Executor {
	e := &Executor{
		doer:       doer,
		retry:      DefaultRetryPolicy(),
		classifier: DefaultBodyClassifier(),
		timeout:    10 * time.Second,
		clock:      core.SystemClock,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req and returns the response of the first attempt that succeeds,
// or the typed error of the last attempt. Cancellation of ctx stops the pipeline
// wherever it is waiting and is returned unwrapped, except that a deadline
// reached while waiting for a rate limit permit yields a RateLimitTimeout.
func (e *Executor) Execute(ctx context.Context, req *core.Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	start := e.clock.Now()
	maxAttempts := e.retry.attemptsFor(req)
	bo := e.retry.newBackOff()

	for attempt := 1; ; attempt++ {
		resp, err := e.attempt(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			e.metrics.ObserveREST(e.exchange, req.LimitID, "success", e.clock.Now().Sub(start))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// A deadline that expired while waiting for a permit is a rate limit timeout.
			if core.IsRateLimitTimeout(err) {
				e.metrics.ObserveREST(e.exchange, req.LimitID, core.TypeOf(err).String(), e.clock.Now().Sub(start))
				return nil, err
			}
			return nil, ctxErr
		}

		e.observeFailure(err)
		if attempt >= maxAttempts || !e.retry.retryable(req, err) {
			e.logger.Error().Err(err).
				Str("method", req.Method).
				Str("url", req.URL).
				Int("attempts", attempt).
				Msg("rest request failed")
			e.metrics.ObserveREST(e.exchange, req.LimitID, core.TypeOf(err).String(), e.clock.Now().Sub(start))
			return nil, err
		}

		wait := e.retry.next(bo)
		if ra := retryAfter(resp, e.clock.Now()); ra > wait {
			wait = ra
		}
		e.logger.Warn().Err(err).
			Str("method", req.Method).
			Str("url", req.URL).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrying rest request")
		e.metrics.IncRESTRetry(e.exchange, core.TypeOf(err).String())

		select {
		case <-e.clock.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt runs the pipeline once. On classified failures the response is
// returned alongside the error so Retry-After can be honoured.
func (e *Executor) attempt(ctx context.Context, req *core.Request) (*Response, error) {
	r := req
	var err error
	for _, p := range e.pre {
		if r, err = p.PreProcess(ctx, r); err != nil {
			return nil, fmt.Errorf("pre-process: %w", err)
		}
	}

	if r.RequiresAuth() {
		if e.auth == nil {
			return nil, core.WrapError(e.exchange, core.ErrorTypeAuthentication, core.ErrNoCredentials)
		}
		if r, err = e.auth.AuthenticateREST(ctx, r); err != nil {
			if core.TypeOf(err) == core.ErrorTypeUnknown {
				err = core.WrapError(e.exchange, core.ErrorTypeAuthentication, err)
			}
			return nil, err
		}
	}

	if e.breaker != nil && !e.breaker.Allow() {
		return nil, core.WrapError(e.exchange, core.ErrorTypeUnknown, core.ErrCircuitBreakerOpen).
			WithCode(string(core.ErrCodeCircuitBreaker))
	}

	if e.limiter != nil {
		permit, err := e.limiter.Acquire(ctx, r.LimitID)
		if err != nil {
			return nil, err
		}
		defer permit.Release()
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL).
		Str("limit_id", r.LimitID).
		Msg("rest request")

	resp, err := e.doer.Do(callCtx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = classifyTransport(e.exchange, err)
		e.recordBreaker(err)
		return nil, err
	}

	for _, p := range e.post {
		if resp, err = p.PostProcess(ctx, r, resp); err != nil {
			return nil, fmt.Errorf("post-process: %w", err)
		}
	}

	err = classifyResponse(e.exchange, e.classifier, resp)
	e.recordBreaker(err)
	if err != nil {
		return resp, err
	}
	return resp, nil
}

func (e *Executor) recordBreaker(err error) {
	if e.breaker == nil {
		return
	}
	e.breaker.Record(err == nil || !core.IsTransientError(err))
}

func (e *Executor) observeFailure(err error) {
	if !core.IsAuthenticationError(err) {
		return
	}
	if obs, ok := e.auth.(core.AuthFailureObserver); ok {
		obs.OnAuthFailure(err)
	}
}

// Do executes req and decodes a successful body into out.
func (e *Executor) Do(ctx context.Context, req *core.Request, out any) error {
	resp, err := e.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Unmarshal(out); err != nil {
		return core.WrapError(e.exchange, core.ErrorTypeProtocol, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Exchange returns the exchange name used in errors and metrics.
func (e *Executor) Exchange() string { return e.exchange }
