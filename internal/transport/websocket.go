package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// ErrConnClosed is returned by ReadMessage once the socket is closed locally.
var ErrConnClosed = errors.New("websocket connection closed")

// Conn is one open WebSocket. Frames are pulled with ReadMessage so the caller
// decides the pace; protocol pings from the server are answered by the transport.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	// Ping sends a protocol-level ping control frame.
	Ping(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, url string, opts DialOptions) (Conn, error)
}

// DialOptions carries per-connection settings.
type DialOptions struct {
	Header http.Header
	// OnControl is called for every inbound ping or pong control frame.
	OnControl func()
	// Buffer is the number of frames read ahead of the consumer.
	Buffer int
}

// inbox turns a push-style frame source into a pull-style queue.
type inbox struct {
	frames    chan []byte
	done      chan struct{}
	once      sync.Once
	err       error
	onControl func()
}

func newInbox(opts DialOptions) *inbox {
	size := opts.Buffer
	if size <= 0 {
		size = 64
	}
	return &inbox{
		frames:    make(chan []byte, size),
		done:      make(chan struct{}),
		onControl: opts.OnControl,
	}
}

func (in *inbox) push(data []byte) bool {
	select {
	case in.frames <- data:
		return true
	case <-in.done:
		return false
	}
}

func (in *inbox) control() {
	if in.onControl != nil {
		in.onControl()
	}
}

func (in *inbox) close(err error) {
	in.once.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		in.err = err
		close(in.done)
	})
}

func (in *inbox) read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-in.frames:
		return data, nil
	case <-in.done:
		select {
		case data := <-in.frames:
			return data, nil
		default:
		}
		return nil, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GWSDialer dials with lxzan/gws.
type GWSDialer struct {
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

func NewGWSDialer(logger zerolog.Logger) *GWSDialer {
	return &GWSDialer{HandshakeTimeout: 10 * time.Second, Logger: logger}
}

type gwsHandler struct {
	in     *inbox
	logger zerolog.Logger
}

func (h *gwsHandler) OnOpen(socket *gws.Conn) {}

func (h *gwsHandler) OnClose(socket *gws.Conn, err error) {
	h.logger.Debug().Err(err).Msg("websocket closed")
	h.in.close(fmt.Errorf("%w: %v", ErrConnClosed, err))
}

func (h *gwsHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.in.control()
	_ = socket.WritePong(payload)
}

func (h *gwsHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.in.control()
}

func (h *gwsHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := message.Bytes()
	if len(data) == 0 {
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	h.in.push(frame)
}

type gwsResult struct {
	socket *gws.Conn
	err    error
}

// Dial performs the handshake and starts the gws read loop. Cancelling ctx
// abandons the handshake and closes the socket if it completes later.
func (d *GWSDialer) Dial(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	in := newInbox(opts)
	handler := &gwsHandler{in: in, logger: d.Logger}

	results := make(chan gwsResult, 1)
	go func() {
		socket, _, err := gws.NewClient(handler, &gws.ClientOption{
			Addr:             url,
			RequestHeader:    opts.Header,
			HandshakeTimeout: d.HandshakeTimeout,
		})
		results <- gwsResult{socket: socket, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("connect websocket: %w", r.err)
		}
		go r.socket.ReadLoop()
		return &gwsConn{socket: r.socket, in: in}, nil
	case <-ctx.Done():
		go func() {
			if r := <-results; r.socket != nil {
				_ = r.socket.NetConn().Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type gwsConn struct {
	socket    *gws.Conn
	in        *inbox
	closeOnce sync.Once
}

func (c *gwsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.in.read(ctx)
}

func (c *gwsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.socket.WriteMessage(gws.OpcodeText, data)
}

func (c *gwsConn) Ping(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.socket.WritePing(payload)
}

func (c *gwsConn) Close() error {
	c.closeOnce.Do(func() {
		c.socket.WriteClose(1000, nil)
		_ = c.socket.NetConn().Close()
		c.in.close(ErrConnClosed)
	})
	return nil
}
