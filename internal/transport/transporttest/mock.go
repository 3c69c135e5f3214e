// Package transporttest provides scriptable in-memory WebSocket connections
// for tests of the session and stream layers.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"exlink/internal/transport"
)

// Conn is an in-memory transport.Conn. Frames queued with Push are returned by
// ReadMessage in order; everything written is recorded.
type Conn struct {
	frames  chan []byte
	dropped chan struct{}
	closed  chan struct{}
	dropOne sync.Once
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
	err    error

	// OnWrite, when set, is called after every recorded write.
	OnWrite func(data []byte)

	pings  atomic.Int32
	closes atomic.Int32
}

func NewConn() *Conn {
	return &Conn{
		frames:  make(chan []byte, 256),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Push queues an inbound frame.
func (c *Conn) Push(frames ...string) {
	for _, f := range frames {
		c.frames <- []byte(f)
	}
}

// Drop simulates the remote side closing the socket with err. Frames pushed
// earlier are still read first; writes keep succeeding until Close.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.dropOne.Do(func() { close(c.dropped) })
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.dropped:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-c.closed:
		return nil, transport.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	hook := c.OnWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context, payload []byte) error {
	c.pings.Add(1)
	return nil
}

func (c *Conn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Writes returns a copy of every frame written so far.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *Conn) Pings() int  { return int(c.pings.Load()) }
func (c *Conn) Closes() int { return int(c.closes.Load()) }

// Dialer hands out scripted connections in order. When the script is exhausted
// Dial fails with ErrNoConn. A nil entry makes that dial attempt fail.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	dials int
	// Block, when set, makes Dial wait for ctx cancellation.
	Block bool
	// OnDial is called with the attempt number (from 1) before the result is returned.
	OnDial func(n int)
}

var ErrNoConn = errors.New("no scripted connection")

func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

// Add appends more scripted connections.
func (d *Dialer) Add(conns ...*Conn) {
	d.mu.Lock()
	d.conns = append(d.conns, conns...)
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string, opts transport.DialOptions) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	var conn *Conn
	ok := len(d.conns) > 0
	if ok {
		conn = d.conns[0]
		d.conns = d.conns[1:]
	}
	block := d.Block
	hook := d.OnDial
	d.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok || conn == nil {
		return nil, ErrNoConn
	}
	return conn, nil
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
