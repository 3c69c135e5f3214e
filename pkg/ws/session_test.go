package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/internal/transport/transporttest"
	"exlink/pkg/core"
)

const testURL = "wss://stream.example.com/ws"

func connected(t *testing.T, cfg Config, opts ConnectOptions) (*Session, *transporttest.Conn, *transporttest.Dialer) {
	t.Helper()
	conn := transporttest.NewConn()
	dialer := transporttest.NewDialer(conn)
	s := NewSession(dialer, cfg, WithExchange("test"))
	if opts.URL == "" {
		opts.URL = testURL
	}
	require.NoError(t, s.Connect(context.Background(), opts))
	t.Cleanup(s.Disconnect)
	return s, conn, dialer
}

func TestSession_ConnectSendReceive(t *testing.T) {
	s, conn, _ := connected(t, Config{}, ConnectOptions{})

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, uint64(1), s.Epoch())

	req := struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{Op: "subscribe", Args: []string{"order"}}
	require.NoError(t, s.Send(context.Background(), req))
	assert.Equal(t, []string{`{"op":"subscribe","args":["order"]}`}, conn.Writes())

	conn.Push(`{"seq":1}`, `{"seq":2}`, `pong`)
	stream, err := s.Messages()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 1; i <= 2; i++ {
		msg, err := stream.Next(ctx)
		require.NoError(t, err)
		obj, ok := msg.Object()
		require.True(t, ok)
		assert.Equal(t, float64(i), obj["seq"])
		assert.Equal(t, uint64(1), msg.Epoch)
	}

	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg.Data)
	assert.Equal(t, "pong", msg.Text())
}

func TestSession_SendWhenNotConnected(t *testing.T) {
	s := NewSession(transporttest.NewDialer(), Config{})

	err := s.Send(context.Background(), map[string]string{"op": "ping"})
	assert.ErrorIs(t, err, core.ErrSendOnClosedSocket)

	_, err = s.Messages()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_ConnectFailure(t *testing.T) {
	conn := transporttest.NewConn()
	dialer := transporttest.NewDialer(nil, conn)
	s := NewSession(dialer, Config{})

	err := s.Connect(context.Background(), ConnectOptions{URL: testURL})
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, uint64(0), s.Epoch())
	assert.True(t, core.IsTransientError(err))

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{URL: testURL}))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, uint64(1), s.Epoch())
	s.Disconnect()
}

func TestSession_ConnectCancelled(t *testing.T) {
	dialer := transporttest.NewDialer()
	dialer.Block = true
	s := NewSession(dialer, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, ConnectOptions{URL: testURL})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ConnectWhenConnectedIsNoop(t *testing.T) {
	s, _, dialer := connected(t, Config{}, ConnectOptions{})

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{URL: testURL}))
	assert.Equal(t, 1, dialer.Dials())
	assert.Equal(t, uint64(1), s.Epoch())
}

func TestSession_RemoteClose(t *testing.T) {
	s, conn, _ := connected(t, Config{}, ConnectOptions{})
	stream, err := s.Messages()
	require.NoError(t, err)

	conn.Push(`{"seq":1}`)
	conn.Drop(errors.New("connection reset by peer"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := stream.Next(ctx)
	require.NoError(t, err, "frames received before the close are still delivered")
	assert.Equal(t, `{"seq":1}`, msg.Text())

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, core.IsConnectionLost(err))
	assert.Equal(t, StateFailed, s.State())

	err = s.Send(ctx, map[string]string{"op": "ping"})
	assert.ErrorIs(t, err, core.ErrSendOnClosedSocket)
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	s, conn, _ := connected(t, Config{}, ConnectOptions{})
	stream, err := s.Messages()
	require.NoError(t, err)

	s.Disconnect()
	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, 1, conn.Closes())
	assert.Equal(t, StateDisconnected, s.State())

	_, err = stream.Next(context.Background())
	assert.Error(t, err)
}

func TestSession_DisconnectAfterFailure(t *testing.T) {
	s, conn, _ := connected(t, Config{}, ConnectOptions{})
	conn.Drop(errors.New("eof"))

	assert.Eventually(t, func() bool { return s.State() == StateFailed }, time.Second, 5*time.Millisecond)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, 1, conn.Closes())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	s, conn, _ := connected(t, Config{MessageTimeout: 50 * time.Millisecond}, ConnectOptions{})
	stream, err := s.Messages()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrHeartbeatTimeout)
	assert.True(t, core.IsConnectionLost(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateFailed, s.State())

	s.Disconnect()
	assert.Equal(t, 1, conn.Closes())
}

func TestSession_PendingFrameIsNotSilence(t *testing.T) {
	s, conn, _ := connected(t, Config{MessageTimeout: 40 * time.Millisecond}, ConnectOptions{})
	conn.Push(`{"seq":1}`)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, s.State())

	stream, err := s.Messages()
	require.NoError(t, err)
	msg, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"seq":1}`, msg.Text())
}

func TestSession_ApplicationPing(t *testing.T) {
	_, conn, _ := connected(t,
		Config{PingPayload: []byte(`{"op":"ping"}`)},
		ConnectOptions{PingInterval: 30 * time.Millisecond},
	)

	assert.Eventually(t, func() bool {
		for _, w := range conn.Writes() {
			if w == `{"op":"ping"}` {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, conn.Pings())
}

func TestSession_ProtocolPing(t *testing.T) {
	_, conn, _ := connected(t, Config{}, ConnectOptions{PingInterval: 30 * time.Millisecond})

	assert.Eventually(t, func() bool { return conn.Pings() > 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, conn.Writes())
}

func TestSession_StaleStream(t *testing.T) {
	first := transporttest.NewConn()
	second := transporttest.NewConn()
	s := NewSession(transporttest.NewDialer(first, second), Config{})

	require.NoError(t, s.Connect(context.Background(), ConnectOptions{URL: testURL}))
	old, err := s.Messages()
	require.NoError(t, err)
	again, err := s.Messages()
	require.NoError(t, err)
	assert.Same(t, old, again)

	s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), ConnectOptions{URL: testURL}))
	defer s.Disconnect()
	assert.Equal(t, uint64(2), s.Epoch())

	_, err = old.Next(context.Background())
	assert.ErrorIs(t, err, ErrStaleStream)

	second.Push(`{"seq":7}`)
	fresh, err := s.Messages()
	require.NoError(t, err)
	msg, err := fresh.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.Epoch)
	assert.Equal(t, uint64(2), fresh.Epoch())
}

func TestSession_NextHonoursContext(t *testing.T) {
	s, _, _ := connected(t, Config{}, ConnectOptions{})
	stream, err := s.Messages()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnected, s.State())
}

func TestStream_All(t *testing.T) {
	s, conn, _ := connected(t, Config{}, ConnectOptions{})
	conn.Push(`{"seq":1}`, `{"seq":2}`, `{"seq":3}`)
	conn.Drop(errors.New("eof"))

	stream, err := s.Messages()
	require.NoError(t, err)

	var got []string
	var last error
	for msg, err := range stream.All(context.Background()) {
		if err != nil {
			last = err
			break
		}
		got = append(got, msg.Text())
	}
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}, got)
	assert.True(t, core.IsConnectionLost(last))
}

func TestSession_SendRate(t *testing.T) {
	s, conn, _ := connected(t, Config{SendRate: 20, SendBurst: 1}, ConnectOptions{})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SendRaw(context.Background(), []byte(`{}`)))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, conn.Writes(), 3)
}

func TestHeartbeatTick(t *testing.T) {
	assert.Equal(t, 10*time.Second, heartbeatTick(20*time.Second, 30*time.Second))
	assert.Equal(t, 5*time.Second, heartbeatTick(20*time.Second, 10*time.Second))
	assert.Equal(t, 15*time.Second, heartbeatTick(0, 30*time.Second))
	assert.Equal(t, 10*time.Millisecond, heartbeatTick(time.Millisecond, 0))
}

func TestLooksLikeJSON(t *testing.T) {
	assert.True(t, looksLikeJSON([]byte(` {"a":1}`)))
	assert.True(t, looksLikeJSON([]byte(`[1]`)))
	assert.False(t, looksLikeJSON([]byte(`ping`)))
	assert.False(t, looksLikeJSON(nil))
}
