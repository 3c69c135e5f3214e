package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/pkg/core"
	"exlink/pkg/ws"
)

type fakeSender struct {
	mu        sync.Mutex
	epoch     uint64
	connected bool
	frames    []map[string]any
	err       error
}

func (f *fakeSender) Send(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, v.(map[string]any))
	return nil
}

func (f *fakeSender) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) reconnect() {
	f.mu.Lock()
	f.epoch++
	f.connected = true
	f.frames = nil
	f.mu.Unlock()
}

func (f *fakeSender) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.frames...)
}

func subscribedTopics(frames []map[string]any, op string) []string {
	var out []string
	for _, f := range frames {
		if f["op"] != op {
			continue
		}
		out = append(out, f["args"].([]string)...)
	}
	return out
}

func frame(raw string) ws.Message {
	msg := ws.Message{Raw: []byte(raw)}
	var data any
	if err := sonic.UnmarshalString(raw, &data); err == nil {
		msg.Data = data
	}
	return msg
}

func TestManager_SubscribeBeforeConnectOnlyRecords(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)

	require.NoError(t, m.Subscribe(context.Background(), "order"))
	require.NoError(t, m.Subscribe(context.Background(), "tickers", "BTCUSDT", "ETHUSDT"))
	assert.Empty(t, sender.sent())

	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))

	frames := sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"order", "tickers.BTCUSDT", "tickers.ETHUSDT"}, subscribedTopics(frames, "subscribe"))
	assert.NotEmpty(t, frames[0]["req_id"])

	for _, sub := range m.Subscriptions() {
		assert.Equal(t, StatePending, sub.State)
	}
}

func TestManager_AckByRequestID(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)
	require.NoError(t, m.Subscribe(context.Background(), "order"))
	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))

	id := sender.sent()[0]["req_id"].(string)
	r := m.Route(context.Background(), frame(`{"success":true,"ret_msg":"","op":"subscribe","req_id":"` + id + `"}`))
	assert.Equal(t, RouteAck, r.Kind)

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, StateAcked, subs[0].State)
	assert.Zero(t, m.Pending())
}

func TestManager_ResubscribesExactlyDesiredSet(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)
	ctx := context.Background()

	sender.reconnect()
	require.NoError(t, m.Sync(ctx))
	require.NoError(t, m.Subscribe(ctx, "order"))
	require.NoError(t, m.Subscribe(ctx, "execution"))
	require.NoError(t, m.Subscribe(ctx, "wallet"))
	require.NoError(t, m.Unsubscribe(ctx, "execution"))

	before := sender.sent()
	assert.Equal(t, []string{"order", "execution", "wallet"}, subscribedTopics(before, "subscribe"))
	assert.Equal(t, []string{"execution"}, subscribedTopics(before, "unsubscribe"))

	for i := 0; i < 3; i++ {
		sender.reconnect()
		require.NoError(t, m.Sync(ctx))
		assert.ElementsMatch(t, []string{"order", "wallet"}, subscribedTopics(sender.sent(), "subscribe"))
	}
}

func TestManager_SyncSameEpochIsNoop(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)
	require.NoError(t, m.Subscribe(context.Background(), "order"))
	sender.reconnect()

	require.NoError(t, m.Sync(context.Background()))
	require.NoError(t, m.Sync(context.Background()))
	assert.Len(t, sender.sent(), 1)

	m.Reset()
	require.NoError(t, m.Sync(context.Background()))
	assert.Len(t, sender.sent(), 2)
}

func TestManager_ChunksLargeRequests(t *testing.T) {
	schema := OpSchema()
	schema.MaxArgsPerRequest = 2
	sender := &fakeSender{}
	m := NewManager(schema, sender)

	require.NoError(t, m.Subscribe(context.Background(), "tickers", "A", "B", "C", "D", "E"))
	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))

	frames := sender.sent()
	assert.Len(t, frames, 3)
	assert.Equal(t, 3, m.Pending())
}

func TestManager_RejectionReportedOnce(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender, WithExchange("bybit"))

	var rejections []Rejection
	m.OnRejected(func(r Rejection) { rejections = append(rejections, r) })

	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))
	require.NoError(t, m.Subscribe(context.Background(), "tickers", "BTCUSDT"))
	require.NoError(t, m.Subscribe(context.Background(), "tickers", "NOPE"))

	frames := sender.sent()
	require.Len(t, frames, 2)
	okID := frames[0]["req_id"].(string)
	badID := frames[1]["req_id"].(string)

	errFrame := `{"success":false,"ret_msg":"error:handler not found,topic:tickers.NOPE","op":"subscribe","req_id":"` + badID + `"}`
	assert.Equal(t, RouteError, m.Route(context.Background(), frame(errFrame)).Kind)
	m.Route(context.Background(), frame(errFrame))
	m.Route(context.Background(), frame(`{"success":true,"op":"subscribe","req_id":"` + okID + `"}`))

	require.Len(t, rejections, 1)
	assert.Equal(t, "tickers.NOPE", rejections[0].Subscription.Topic)
	assert.Equal(t, StateFailed, rejections[0].Subscription.State)
	assert.True(t, core.IsSubscriptionRejected(rejections[0].Err))

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "tickers.BTCUSDT", subs[0].Topic)
	assert.Equal(t, StateAcked, subs[0].State)

	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))
	assert.Equal(t, []string{"tickers.BTCUSDT"}, subscribedTopics(sender.sent(), "subscribe"))
}

func TestManager_RejectedBatchSplitsTopics(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender, WithExchange("bybit"))

	var rejections []Rejection
	m.OnRejected(func(r Rejection) { rejections = append(rejections, r) })

	require.NoError(t, m.Subscribe(context.Background(), "tickers", "BTCUSDT", "ETHUSDT", "NOPEUSDT"))
	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))

	frames := sender.sent()
	require.Len(t, frames, 1)
	batchID := frames[0]["req_id"].(string)

	r := m.Route(context.Background(), frame(`{"success":false,"ret_msg":"Invalid symbol :[tickers.NOPEUSDT]","op":"subscribe","req_id":"`+batchID+`"}`))
	assert.Equal(t, RouteError, r.Kind)
	assert.Empty(t, rejections)

	frames = sender.sent()
	require.Len(t, frames, 4)
	retries := frames[1:]
	assert.Equal(t, []string{"tickers.BTCUSDT", "tickers.ETHUSDT", "tickers.NOPEUSDT"}, subscribedTopics(retries, "subscribe"))
	assert.Equal(t, 3, m.Pending())
	for _, sub := range m.Subscriptions() {
		assert.Equal(t, StatePending, sub.State)
	}

	m.Route(context.Background(), frame(`{"success":true,"op":"subscribe","req_id":"`+retries[0]["req_id"].(string)+`"}`))
	m.Route(context.Background(), frame(`{"success":true,"op":"subscribe","req_id":"`+retries[1]["req_id"].(string)+`"}`))
	m.Route(context.Background(), frame(`{"success":false,"ret_msg":"Invalid symbol :[tickers.NOPEUSDT]","op":"subscribe","req_id":"`+retries[2]["req_id"].(string)+`"}`))

	require.Len(t, rejections, 1)
	assert.Equal(t, "tickers.NOPEUSDT", rejections[0].Subscription.Topic)

	subs := m.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "tickers.BTCUSDT", subs[0].Topic)
	assert.Equal(t, StateAcked, subs[0].State)
	assert.Equal(t, "tickers.ETHUSDT", subs[1].Topic)
	assert.Equal(t, StateAcked, subs[1].State)
	assert.Zero(t, m.Pending())
	assert.Len(t, sender.sent(), 4)
}

func TestManager_SyncSendFailureRetries(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)
	require.NoError(t, m.Subscribe(context.Background(), "order"))

	sender.reconnect()
	sender.err = errors.New("send on closed socket")
	require.Error(t, m.Sync(context.Background()))
	assert.Zero(t, m.Pending())

	sender.err = nil
	require.NoError(t, m.Sync(context.Background()))
	assert.Len(t, sender.sent(), 1)
}

func TestManager_MethodSchemaAck(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(MethodSchema(), sender)
	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))
	require.NoError(t, m.Subscribe(context.Background(), "trade", "BTCUSDT"))

	frames := sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "SUBSCRIBE", frames[0]["method"])
	assert.Equal(t, []string{"btcusdt@trade"}, frames[0]["params"])

	id := frames[0]["id"].(string)
	r := m.Route(context.Background(), frame(`{"result":null,"id":"` + id + `"}`))
	assert.Equal(t, RouteAck, r.Kind)
	assert.Equal(t, StateAcked, m.Subscriptions()[0].State)
}

func TestManager_ConcurrentSubscribe(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(OpSchema(), sender)
	sender.reconnect()
	require.NoError(t, m.Sync(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Subscribe(context.Background(), "tickers", string(rune('A'+i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.Subscriptions(), 20)
	assert.Len(t, subscribedTopics(sender.sent(), "subscribe"), 20)
}

func TestManager_RouteDataUntouched(t *testing.T) {
	m := NewManager(OpSchema(), &fakeSender{})
	r := m.Route(context.Background(), frame(`{"topic":"order","id":"5923240c6880ab-c59f-420b-9adb-3639adc9dd90","creationTime":1672364262474,"data":[]}`))
	assert.Equal(t, RouteData, r.Kind)
	assert.Equal(t, "order", r.Channel)
	assert.Zero(t, m.Pending())
}
