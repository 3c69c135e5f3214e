// Package ws manages one persistent WebSocket connection: dialing, paced sends,
// a per-connection stream of inbound frames and a heartbeat that fails the
// session when the server goes quiet. Reconnecting is left to the caller.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"exlink/internal/transport"
	"exlink/pkg/core"
	"exlink/pkg/metrics"
)

type (
	Conn        = transport.Conn
	Dialer      = transport.Dialer
	DialOptions = transport.DialOptions
)

var (
	// ErrNotConnected is returned by Messages when there is no live connection.
	ErrNotConnected = errors.New("websocket session not connected")

	errDisconnected = errors.New("websocket session disconnected")
)

// Config holds the connection-independent session settings.
type Config struct {
	// MessageTimeout fails the session when nothing was received for this long.
	// Zero disables the check.
	MessageTimeout time.Duration
	// PingPayload is sent as an application-level ping when the send side has
	// been idle for the ping interval. Nil sends a protocol ping frame instead.
	PingPayload []byte
	// SendRate caps outbound messages per second; zero disables pacing.
	SendRate  float64
	SendBurst int
	// Buffer is the number of frames the transport reads ahead.
	Buffer int
}

// FromConfig extracts the session settings of a runtime config.
func FromConfig(cfg *core.Config) Config {
	return Config{
		MessageTimeout: cfg.MessageTimeout,
		SendRate:       cfg.SendRate,
		SendBurst:      1,
	}
}

// ConnectOptions are the per-dial settings.
type ConnectOptions struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
}

// Session owns one socket at a time. It is safe for concurrent use; Send may
// be called from any goroutine while another consumes the Stream.
type Session struct {
	dialer   Dialer
	cfg      Config
	exchange string
	logger   zerolog.Logger
	metrics  *metrics.Collectors
	limiter  *rate.Limiter

	state State
	epoch atomic.Uint64

	mu  sync.Mutex
	cur *connection

	writeMu sync.Mutex
}

type Option func(*Session)

func WithExchange(name string) Option {
	return func(s *Session) { s.exchange = name }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a disconnected session. A nil dialer selects gws.
func NewSession(dialer Dialer, cfg Config, opts ...Option) *Session {
	s := &Session{
		dialer: dialer,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = transport.NewGWSDialer(s.logger)
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	s.state.Store(StateDisconnected)
	return s
}

// connection is the state of one socket lifetime.
type connection struct {
	epoch  uint64
	conn   Conn
	frames chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	endOnce   sync.Once
	closeOnce sync.Once

	lastRecv atomic.Int64
	lastSend atomic.Int64
	// handing is set while the reader waits for the consumer to take a frame.
	handing atomic.Bool

	stream *Stream
}

func (c *connection) touchRecv() { c.lastRecv.Store(time.Now().UnixNano()) }
func (c *connection) touchSend() { c.lastSend.Store(time.Now().UnixNano()) }

func (c *connection) sinceRecv(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastRecv.Load()))
}

func (c *connection) sinceSend(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSend.Load()))
}

// Err returns the error that ended the connection, or nil while it is live.
func (c *connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// end records err as the cause and stops the connection's goroutines. Only the
// first cause is kept.
func (c *connection) end(err error) bool {
	first := false
	c.endOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.cancel()
		first = true
	})
	return first
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Connect dials opts.URL. On success the session is Connected under a new
// epoch; on failure it is Failed and the error is returned. Connecting a
// connected session does nothing.
func (s *Session) Connect(ctx context.Context, opts ConnectOptions) error {
	if s.state.Load() == StateConnected {
		return nil
	}
	if !s.state.CompareAndSwap(StateDisconnected, StateConnecting) &&
		!s.state.CompareAndSwap(StateFailed, StateConnecting) {
		return fmt.Errorf("invalid state for connect: %s", s.state.Load())
	}

	// A failed connection still holds its socket until it is released here.
	s.release(errDisconnected)

	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		frames: make(chan Message),
		ctx:    cctx,
		cancel: cancel,
	}

	conn, err := s.dialer.Dial(ctx, opts.URL, DialOptions{
		Header:    opts.Header,
		OnControl: c.touchRecv,
		Buffer:    s.cfg.Buffer,
	})
	if err != nil {
		cancel()
		s.state.Store(StateFailed)
		s.metrics.IncWSConnect(s.exchange, false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return core.WrapError(s.exchange, core.ErrorTypeNetwork, fmt.Errorf("dial %s: %w", opts.URL, err))
	}

	c.conn = conn
	c.epoch = s.epoch.Add(1)
	c.stream = &Stream{session: s, conn: c}
	c.touchRecv()
	c.touchSend()

	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()

	c.wg.Add(1)
	go s.readLoop(c)
	if opts.PingInterval > 0 || s.cfg.MessageTimeout > 0 {
		c.wg.Add(1)
		go s.heartbeat(c, opts.PingInterval)
	}

	s.state.Store(StateConnected)
	s.metrics.IncWSConnect(s.exchange, true)
	s.logger.Info().
		Str("url", opts.URL).
		Uint64("epoch", c.epoch).
		Msg("websocket connected")
	return nil
}

func (s *Session) readLoop(c *connection) {
	defer c.wg.Done()
	for {
		data, err := c.conn.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				s.fail(c, core.WrapError(s.exchange, core.ErrorTypeConnectionLost, err))
			}
			return
		}
		c.touchRecv()
		s.metrics.IncWSMessage(s.exchange, "in")

		msg := newMessage(data, c.epoch, time.Now())
		c.handing.Store(true)
		select {
		case c.frames <- msg:
			c.handing.Store(false)
		case <-c.ctx.Done():
			return
		}
	}
}

func heartbeatTick(ping, timeout time.Duration) time.Duration {
	tick := ping
	if tick <= 0 || (timeout > 0 && timeout < tick) {
		tick = timeout
	}
	tick /= 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

func (s *Session) heartbeat(c *connection, ping time.Duration) {
	defer c.wg.Done()

	timeout := s.cfg.MessageTimeout
	ticker := time.NewTicker(heartbeatTick(ping, timeout))
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if timeout > 0 && !c.handing.Load() && c.sinceRecv(now) >= timeout {
				err := core.WrapError(s.exchange, core.ErrorTypeConnectionLost, core.ErrHeartbeatTimeout).
					WithCode(string(core.ErrCodeHeartbeatTimeout))
				s.fail(c, err)
				return
			}
			if ping > 0 && c.sinceSend(now) >= ping {
				if err := s.ping(c); err != nil && c.ctx.Err() == nil {
					s.logger.Warn().Err(err).Uint64("epoch", c.epoch).Msg("websocket ping failed")
				}
			}
		}
	}
}

func (s *Session) ping(c *connection) error {
	if s.cfg.PingPayload != nil {
		return s.write(c.ctx, c, s.cfg.PingPayload)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := c.conn.Ping(c.ctx, nil); err != nil {
		return err
	}
	c.touchSend()
	return nil
}

// fail ends a live connection with err and marks the session Failed.
func (s *Session) fail(c *connection, err error) {
	if !c.end(err) {
		return
	}
	s.mu.Lock()
	current := s.cur == c
	s.mu.Unlock()
	if current {
		s.state.CompareAndSwap(StateConnected, StateFailed)
	}
	reason := "closed"
	if errors.Is(err, core.ErrHeartbeatTimeout) {
		reason = "heartbeat_timeout"
	}
	s.metrics.IncWSDisconnect(s.exchange, reason)
	s.logger.Warn().Err(err).Uint64("epoch", c.epoch).Msg("websocket connection lost")
}

// release detaches and closes the current connection, waiting for its
// goroutines.
func (s *Session) release(cause error) {
	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if c.end(cause) {
		s.metrics.IncWSDisconnect(s.exchange, "local")
	}
	c.close()
	c.wg.Wait()
}

// Disconnect closes the socket and waits for the session goroutines. It is
// safe to call repeatedly and on a failed session.
func (s *Session) Disconnect() {
	s.release(errDisconnected)
	if s.state.Load() != StateConnecting {
		s.state.Store(StateDisconnected)
	}
}

func (s *Session) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Send encodes v as JSON and writes it.
func (s *Session) Send(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return s.SendRaw(ctx, data)
}

// SendRaw writes one text frame. It fails with core.ErrSendOnClosedSocket
// unless the session is Connected.
func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	c := s.current()
	if c == nil || s.state.Load() != StateConnected {
		return core.WrapError(s.exchange, core.ErrorTypeConnectionLost, core.ErrSendOnClosedSocket).
			WithCode(string(core.ErrCodeSendOnClosed))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return s.write(ctx, c, data)
}

func (s *Session) write(ctx context.Context, c *connection, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := c.ctx.Err(); err != nil {
		return core.WrapError(s.exchange, core.ErrorTypeConnectionLost, core.ErrSendOnClosedSocket).
			WithCode(string(core.ErrCodeSendOnClosed))
	}
	if err := c.conn.WriteMessage(ctx, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lost := core.WrapError(s.exchange, core.ErrorTypeConnectionLost, err)
		s.fail(c, lost)
		return lost
	}
	c.touchSend()
	s.metrics.IncWSMessage(s.exchange, "out")
	return nil
}

// Messages returns the frame stream of the current connection. Repeated calls
// within one epoch return the same stream.
func (s *Session) Messages() (*Stream, error) {
	c := s.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c.stream, nil
}

// Epoch returns the number of successful connects so far.
func (s *Session) Epoch() uint64 { return s.epoch.Load() }

func (s *Session) State() ConnState { return s.state.Load() }

func (s *Session) IsConnected() bool { return s.state.Load() == StateConnected }

// Err returns the error that ended the current connection, if any.
func (s *Session) Err() error {
	if c := s.current(); c != nil {
		return c.Err()
	}
	return nil
}
