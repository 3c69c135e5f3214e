package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with gorilla/websocket and honours HTTP(S)_PROXY from the
// environment, which gws does not.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{HandshakeTimeout: 10 * time.Second}
}

func (d *GorillaDialer) Dial(ctx context.Context, wsURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, _, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}

	conn := &gorillaConn{c: c, in: newInbox(opts)}
	c.SetPingHandler(func(appData string) error {
		conn.in.control()
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	c.SetPongHandler(func(string) error {
		conn.in.control()
		return nil
	})
	go conn.readLoop()
	return conn, nil
}

type gorillaConn struct {
	c         *websocket.Conn
	in        *inbox
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *gorillaConn) readLoop() {
	for {
		_, data, err := c.c.ReadMessage()
		if err != nil {
			c.in.close(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}
		if !c.in.push(data) {
			return
		}
	}
}

func (c *gorillaConn) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.in.read(ctx)
}

func (c *gorillaConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(deadline)
		defer c.c.SetWriteDeadline(time.Time{})
	}
	return c.c.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Ping(ctx context.Context, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	return c.c.WriteControl(websocket.PingMessage, payload, deadline)
}

func (c *gorillaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.c.Close()
		c.in.close(ErrConnClosed)
	})
	return err
}
