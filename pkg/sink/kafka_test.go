package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/pkg/core"
	"exlink/pkg/metrics"
	"exlink/pkg/userstream"
)

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]kafka.Message
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.batches = append(w.batches, msgs)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafka.Message
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig() Config {
	return Config{Brokers: []string{"localhost:9092"}, Topic: "events", BatchSize: 10, MaxAttempts: 3}
}

func orderEvent(id string) core.Event {
	return core.Event{
		Kind:     core.EventOrderUpdate,
		Exchange: "binance",
		Channel:  "executionReport",
		Time:     time.UnixMilli(1700000000000),
		Order:    &core.OrderUpdate{Symbol: "BTCUSDT", OrderID: id, Status: core.StatusNew},
	}
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, testConfig())

	require.NoError(t, p.Publish(context.Background(), orderEvent("1"), orderEvent("2")))

	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "binance:BTCUSDT", string(msgs[0].Key))
	assert.Equal(t, "kind", msgs[0].Headers[1].Key)
	assert.Equal(t, "order_update", string(msgs[0].Headers[1].Value))

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, "order_update", decoded["kind"])
	order := decoded["order"].(map[string]any)
	assert.Equal(t, "2", order["order_id"])
}

func TestPublisher_RetriesWrite(t *testing.T) {
	w := &fakeWriter{failures: 2}
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	p := NewPublisher(w, testConfig(), WithRetryWait(time.Millisecond), WithMetrics(m))

	require.NoError(t, p.Publish(context.Background(), orderEvent("1")))
	assert.Len(t, w.messages(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkMessages.WithLabelValues("events", "ok")))
}

func TestPublisher_GivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := NewPublisher(w, testConfig(), WithRetryWait(time.Millisecond))

	err := p.Publish(context.Background(), orderEvent("1"))
	require.Error(t, err)
	assert.Equal(t, 7, w.failures, "three attempts were made")
}

func TestPublisher_RunDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, testConfig())
	q := userstream.NewQueue(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 25; i++ {
		require.NoError(t, q.Push(ctx, orderEvent(string(rune('a'+i))), userstream.Policy{}))
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, q) }()

	assert.Eventually(t, func() bool { return len(w.messages()) == 25 }, time.Second, 5*time.Millisecond)
	msgs := w.messages()
	for i, m := range msgs {
		var ev map[string]any
		require.NoError(t, sonic.Unmarshal(m.Value, &ev))
		assert.Equal(t, string(rune('a'+i)), ev["order"].(map[string]any)["order_id"], "order preserved")
	}
	w.mu.Lock()
	for _, b := range w.batches {
		assert.LessOrEqual(t, len(b), 10)
	}
	w.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewWriter(t *testing.T) {
	cfg := testConfig()
	cfg.BatchTimeout = 20 * time.Millisecond
	w := NewWriter(cfg)
	assert.Equal(t, "events", w.Topic)
	assert.Equal(t, 10, w.BatchSize)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
