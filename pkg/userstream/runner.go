// Package userstream turns a private exchange socket into a reconnecting,
// sequenced queue of account events.
package userstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/subscription"
	"exlink/pkg/ws"
)

var (
	// ErrReconnectLimit is returned by Run after MaxReconnects consecutive failures.
	ErrReconnectLimit = errors.New("reconnect limit reached")
	// ErrRenewalFailed is the cause of a connection torn down by a failed token renewal.
	ErrRenewalFailed = errors.New("token renewal failed")
)

// State of the runner's supervision loop.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Channel is one subscription the runner declares on every connection.
type Channel struct {
	Name    string   `validate:"required"`
	Symbols []string `validate:"dive,required"`
}

type Config struct {
	Exchange string `validate:"required"`
	// URL is dialed as is unless a URL function is set.
	URL          string
	Header       http.Header
	PingInterval time.Duration `validate:"min=0"`
	Channels     []Channel     `validate:"dive"`
	// Login sends the schema's login frame, signed by the authenticator, after
	// connecting.
	Login        bool
	LoginTimeout time.Duration `validate:"min=1ms"`

	ReconnectWaitMin time.Duration `validate:"min=1ms"`
	ReconnectWaitMax time.Duration `validate:"gtefield=ReconnectWaitMin"`
	// MaxReconnects caps consecutive failed connections; zero retries forever.
	MaxReconnects int `validate:"min=0"`

	QueueSize   int           `validate:"min=1"`
	PushTimeout time.Duration `validate:"min=0"`
	// DropOldest lists low-value channels whose events evict older ones when
	// the queue is full.
	DropOldest []string
	// MaxProtocolErrors consecutive undecodable frames tear the connection down;
	// zero only drops them.
	MaxProtocolErrors int `validate:"min=0"`
}

// ConfigFromCore builds a runner config from the shared runtime config.
func ConfigFromCore(cfg *core.Config, url string) Config {
	return Config{
		Exchange:         cfg.Exchange,
		URL:              url,
		PingInterval:     cfg.PingInterval,
		LoginTimeout:     cfg.LoginTimeout,
		ReconnectWaitMin: cfg.ReconnectWaitMin,
		ReconnectWaitMax: cfg.ReconnectWaitMax,
		MaxReconnects:    cfg.MaxReconnects,
		QueueSize:        cfg.QueueSize,
		PushTimeout:      cfg.PushTimeout,
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.URL == "" {
		return errors.New("URL is required")
	}
	return nil
}

// Socket is the connection the runner drives. *ws.Session implements it.
type Socket interface {
	Connect(ctx context.Context, opts ws.ConnectOptions) error
	Send(ctx context.Context, v any) error
	SendRaw(ctx context.Context, data []byte) error
	Messages() (*ws.Stream, error)
	Disconnect()
	Epoch() uint64
	IsConnected() bool
}

// Stats is a snapshot of the runner's counters.
type Stats struct {
	ID         string
	State      State
	Epoch      uint64
	Reconnects int64
	Renewing   bool
	Pushed     int64
	Dropped    int64
	Gaps       int64
	QueueDepth int
}

// Runner owns one socket and its subscriptions and is the only component that
// reconnects it.
type Runner struct {
	id        string
	cfg       Config
	socket    Socket
	schema    subscription.Schema
	manager   *subscription.Manager
	auth      core.Authenticator
	bootstrap Bootstrapper
	urlFunc   func(Token) string
	decoders  map[string]Decoder
	fallback  Decoder
	queue     *Queue
	seq       *sequencer
	logger    zerolog.Logger
	metrics   *metrics.Collectors

	running    atomic.Bool
	state      atomic.Int32
	reconnects atomic.Int64
	renewing   atomic.Bool
	gaps       atomic.Int64

	tokenMu sync.Mutex
	token   Token

	onRejected func(subscription.Rejection)
}

type Option func(*Runner)

func WithAuthenticator(a core.Authenticator) Option {
	return func(r *Runner) { r.auth = a }
}

// WithBootstrapper sets the REST call made before every dial.
func WithBootstrapper(b Bootstrapper) Option {
	return func(r *Runner) { r.bootstrap = b }
}

// WithURLFunc derives the dial URL from the bootstrap token.
func WithURLFunc(fn func(Token) string) Option {
	return func(r *Runner) { r.urlFunc = fn }
}

// WithDecoder sets the decoder of one channel.
func WithDecoder(channel string, d Decoder) Option {
	return func(r *Runner) { r.decoders[channel] = d }
}

// WithDefaultDecoder handles data frames of channels without their own decoder.
func WithDefaultDecoder(d Decoder) Option {
	return func(r *Runner) { r.fallback = d }
}

// WithQueue replaces the queue created from Config.QueueSize.
func WithQueue(q *Queue) Option {
	return func(r *Runner) { r.queue = q }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRejectionHandler receives each rejected subscription once.
func WithRejectionHandler(fn func(subscription.Rejection)) Option {
	return func(r *Runner) { r.onRejected = fn }
}

func NewRunner(socket Socket, schema subscription.Schema, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.NewExchangeError(cfg.Exchange, core.ErrorTypeUnknown, 0, fmt.Sprintf("invalid user stream config: %v", err)).
			WithCode(string(core.ErrCodeInvalidConfig))
	}

	r := &Runner{
		id:       uuid.NewString(),
		cfg:      cfg,
		socket:   socket,
		schema:   schema,
		decoders: make(map[string]Decoder),
		seq:      newSequencer(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.Login && r.auth == nil {
		return nil, core.NewExchangeError(cfg.Exchange, core.ErrorTypeAuthentication, 0, "invalid user stream config: login requires an authenticator").
			WithCode(string(core.ErrCodeInvalidConfig))
	}
	r.logger = r.logger.With().Str("exchange", cfg.Exchange).Str("runner", r.id).Logger()

	if r.queue == nil {
		r.queue = NewQueue(cfg.QueueSize, WithDropHandler(func(ev core.Event) {
			r.metrics.IncDropped(cfg.Exchange, ev.Channel)
		}))
	}

	r.manager = subscription.NewManager(schema, socket,
		subscription.WithExchange(cfg.Exchange),
		subscription.WithLogger(r.logger),
		subscription.WithMetrics(r.metrics),
	)
	if r.onRejected != nil {
		r.manager.OnRejected(r.onRejected)
	}
	for _, ch := range cfg.Channels {
		if err := r.manager.Subscribe(context.Background(), ch.Name, ch.Symbols...); err != nil {
			return nil, err
		}
	}
	r.setState(StateIdle)
	return r, nil
}

// Queue returns the output queue.
func (r *Runner) Queue() *Queue { return r.queue }

// Subscriptions exposes the subscription manager for runtime changes.
func (r *Runner) Subscriptions() *subscription.Manager { return r.manager }

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.SetStreamState(r.cfg.Exchange, int(s))
}

func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) Stats() Stats {
	return Stats{
		ID:         r.id,
		State:      r.State(),
		Epoch:      r.socket.Epoch(),
		Reconnects: r.reconnects.Load(),
		Renewing:   r.renewing.Load(),
		Pushed:     r.queue.Pushed(),
		Dropped:    r.queue.Dropped(),
		Gaps:       r.gaps.Load(),
		QueueDepth: r.queue.Len(),
	}
}

func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ReconnectWaitMin
	b.MaxInterval = r.cfg.ReconnectWaitMax
	b.Multiplier = 2
	if r.cfg.ReconnectWaitMin == r.cfg.ReconnectWaitMax {
		b.RandomizationFactor = 0
	} else {
		b.RandomizationFactor = 0.2
	}
	b.Reset()
	return b
}

// Run supervises the connection until ctx is cancelled. It returns ctx.Err(),
// an authentication error from the bootstrap call, or ErrReconnectLimit.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("user stream runner already running")
	}
	defer r.running.Store(false)
	defer r.setState(StateStopped)
	defer r.closeToken()

	b := r.newBackOff()
	failures := 0
	for {
		streamed, err := r.connection(ctx)
		if ctx.Err() != nil {
			r.logger.Info().Msg("user stream stopped")
			return ctx.Err()
		}
		var fatal *bootstrapAuthError
		if errors.As(err, &fatal) {
			r.logger.Error().Err(fatal.err).Msg("user stream bootstrap rejected")
			return fatal.err
		}

		r.setState(StateRecovering)
		if streamed {
			b.Reset()
			failures = 0
		}
		failures++
		if r.cfg.MaxReconnects > 0 && failures > r.cfg.MaxReconnects {
			r.logger.Error().Err(err).Int("failures", failures-1).Msg("user stream giving up")
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectLimit, failures-1, err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop || wait < 0 {
			wait = r.cfg.ReconnectWaitMax
		}
		r.reconnects.Add(1)
		r.metrics.IncReconnect(r.cfg.Exchange)
		r.logger.Warn().Err(err).
			Int("failures", failures).
			Dur("wait", wait).
			Msg("user stream connection ended, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("user stream stopped")
			return ctx.Err()
		}
	}
}

// bootstrapAuthError wraps bootstrap authentication failures, which end Run.
type bootstrapAuthError struct{ err error }

func (e *bootstrapAuthError) Error() string { return "bootstrap: " + e.err.Error() }
func (e *bootstrapAuthError) Unwrap() error { return e.err }

// connection runs one socket lifetime. streamed reports whether it got as far
// as streaming, which resets the reconnect backoff.
func (r *Runner) connection(ctx context.Context) (streamed bool, err error) {
	r.setState(StateConnecting)

	var token Token
	if r.bootstrap != nil {
		token, err = r.bootstrap.Bootstrap(ctx)
		if err != nil {
			if core.IsAuthenticationError(err) {
				return false, &bootstrapAuthError{err: err}
			}
			return false, fmt.Errorf("bootstrap: %w", err)
		}
		r.tokenMu.Lock()
		r.token = token
		r.tokenMu.Unlock()
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
		r.socket.Disconnect()
		r.manager.Reset()
	}()

	url := r.cfg.URL
	if r.urlFunc != nil {
		url = r.urlFunc(token)
	}
	if err := r.socket.Connect(connCtx, ws.ConnectOptions{
		URL:          url,
		Header:       r.cfg.Header,
		PingInterval: r.cfg.PingInterval,
	}); err != nil {
		return false, err
	}
	epoch := r.socket.Epoch()
	r.logger.Info().Uint64("epoch", epoch).Msg("user stream connected")

	if r.bootstrap != nil && r.bootstrap.RenewInterval() > 0 {
		wg.Add(1)
		r.renewing.Store(true)
		go func() {
			defer wg.Done()
			defer r.renewing.Store(false)
			r.renew(connCtx, cancel, token)
		}()
	}

	stream, err := r.socket.Messages()
	if err != nil {
		return false, err
	}
	if r.cfg.Login {
		if err := r.login(connCtx, stream); err != nil {
			return false, cause(connCtx, err)
		}
	}
	if err := r.manager.Sync(connCtx); err != nil {
		return false, cause(connCtx, err)
	}

	if epoch > 1 {
		gap := core.Event{
			Kind:    core.EventGap,
			Channel: "reconnect",
			Gap:     &core.Gap{Reason: core.GapReconnect},
		}
		if err := r.publish(connCtx, gap, epoch); err != nil {
			return false, cause(connCtx, err)
		}
	}

	r.setState(StateStreaming)
	return true, cause(connCtx, r.receive(connCtx, stream, epoch))
}

// cause prefers the reason the connection context was cancelled with.
func cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if c := context.Cause(ctx); c != nil {
			return c
		}
	}
	return err
}

func (r *Runner) renew(ctx context.Context, cancel context.CancelCauseFunc, token Token) {
	ticker := time.NewTicker(r.bootstrap.RenewInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.bootstrap.Renew(ctx, token); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("token renewal failed, restarting connection")
			cancel(core.WrapError(r.cfg.Exchange, core.ErrorTypeConnectionLost, fmt.Errorf("%w: %w", ErrRenewalFailed, err)).
				WithCode(string(core.ErrCodeRenewalFailed)))
			return
		}
		r.logger.Debug().Msg("token renewed")
	}
}

func (r *Runner) login(ctx context.Context, stream *ws.Stream) error {
	payload, err := r.auth.AuthenticateWS(ctx, r.schema.LoginPayload())
	if err != nil {
		return fmt.Errorf("sign login: %w", err)
	}
	if err := r.socket.Send(ctx, payload); err != nil {
		return err
	}

	lctx, cancel := context.WithTimeout(ctx, r.cfg.LoginTimeout)
	defer cancel()
	for {
		msg, err := stream.Next(lctx)
		if err != nil {
			if ctx.Err() == nil && lctx.Err() != nil {
				return r.loginFailed("login timed out")
			}
			return err
		}
		route := r.manager.Route(ctx, msg)
		switch route.Kind {
		case subscription.RouteLogin:
			if route.Success {
				r.logger.Debug().Msg("websocket login accepted")
				return nil
			}
			return r.loginFailed("login rejected: " + route.Message)
		case subscription.RoutePing:
			if err := r.pong(ctx, route); err != nil {
				return err
			}
		default:
			r.logger.Debug().Str("kind", route.Kind.String()).Msg("frame before login ignored")
		}
	}
}

func (r *Runner) loginFailed(msg string) error {
	err := core.NewExchangeError(r.cfg.Exchange, core.ErrorTypeAuthentication, 0, msg).
		WithCode(string(core.ErrCodeLoginFailed))
	if obs, ok := r.auth.(core.AuthFailureObserver); ok {
		obs.OnAuthFailure(err)
	}
	return err
}

func (r *Runner) pong(ctx context.Context, ping subscription.Route) error {
	reply := r.schema.Pong(ping)
	if reply == nil {
		return nil
	}
	return r.socket.SendRaw(ctx, reply)
}

func (r *Runner) receive(ctx context.Context, stream *ws.Stream, epoch uint64) error {
	protocolErrors := 0
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		route := r.manager.Route(ctx, msg)
		switch route.Kind {
		case subscription.RoutePing:
			if err := r.pong(ctx, route); err != nil {
				return err
			}
			continue
		case subscription.RoutePong, subscription.RouteAck, subscription.RouteError, subscription.RouteLogin:
			continue
		case subscription.RouteUnknown:
			r.logger.Debug().Str("frame", truncate(msg.Text(), 256)).Msg("unmatched frame dropped")
			continue
		}

		events, err := r.decode(route, msg)
		if err != nil {
			if errors.Is(err, ErrDecodePanic) || core.IsConnectionLost(err) {
				return err
			}
			protocolErrors++
			r.logger.Warn().Err(err).
				Str("channel", route.Channel).
				Int("consecutive", protocolErrors).
				Msg("dropping undecodable frame")
			if r.cfg.MaxProtocolErrors > 0 && protocolErrors >= r.cfg.MaxProtocolErrors {
				return core.WrapError(r.cfg.Exchange, core.ErrorTypeProtocol,
					fmt.Errorf("%d consecutive protocol errors: %w", protocolErrors, err))
			}
			continue
		}
		protocolErrors = 0

		for _, ev := range events {
			if ev.Channel == "" {
				ev.Channel = route.Channel
			}
			if err := r.publish(ctx, ev, epoch); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) decode(route subscription.Route, msg ws.Message) ([]core.Event, error) {
	d, ok := r.decoders[route.Channel]
	if !ok {
		d = r.fallback
	}
	if d == nil {
		return nil, nil
	}
	events, err := safeDecode(d, route, msg)
	if err != nil && errors.Is(err, ErrDecodePanic) {
		return nil, core.WrapError(r.cfg.Exchange, core.ErrorTypeProtocol, err)
	}
	return events, err
}

// publish stamps ev, emits a sequence gap in front of it when needed and
// pushes it onto the queue.
func (r *Runner) publish(ctx context.Context, ev core.Event, epoch uint64) error {
	ev.Epoch = epoch
	if ev.Exchange == "" {
		ev.Exchange = r.cfg.Exchange
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if ev.Sequence > 0 {
		if gap := r.seq.observe(ev.Channel, ev.Sequence); gap != nil {
			marker := core.Event{
				Kind:     core.EventGap,
				Exchange: ev.Exchange,
				Channel:  ev.Channel,
				Epoch:    epoch,
				Time:     ev.Time,
				Gap:      gap,
			}
			if err := r.push(ctx, marker); err != nil {
				return err
			}
		}
	}
	return r.push(ctx, ev)
}

func (r *Runner) push(ctx context.Context, ev core.Event) error {
	policy := Policy{
		Timeout:    r.cfg.PushTimeout,
		DropOldest: slices.Contains(r.cfg.DropOldest, ev.Channel),
	}
	err := r.queue.Push(ctx, ev, policy)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrQueueFull):
		r.logger.Warn().
			Str("channel", ev.Channel).
			Str("kind", ev.Kind.String()).
			Msg("event queue full, event dropped")
		return nil
	default:
		return err
	}

	if ev.Kind == core.EventGap {
		r.gaps.Add(1)
		r.metrics.IncGap(r.cfg.Exchange, string(ev.Gap.Reason))
		r.logger.Warn().
			Str("reason", string(ev.Gap.Reason)).
			Int64("after", ev.Gap.After).
			Int64("next", ev.Gap.Next).
			Msg("user stream gap")
	}
	r.metrics.IncEvent(r.cfg.Exchange, ev.Kind.String())
	r.metrics.SetQueueDepth(r.cfg.Exchange, r.queue.Len())
	return nil
}

// closeToken revokes the last bootstrap token when the bootstrapper supports it.
func (r *Runner) closeToken() {
	closer, ok := r.bootstrap.(Closer)
	if !ok {
		return
	}
	r.tokenMu.Lock()
	token := r.token
	r.tokenMu.Unlock()
	if token.Value == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closer.Close(ctx, token); err != nil {
		r.logger.Warn().Err(err).Msg("token close failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
