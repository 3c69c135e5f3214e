package ordertracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/pkg/core"
	"exlink/pkg/userstream"
)

var t0 = time.UnixMilli(1700000000000)

func orderEvent(id, clientID string, status core.OrderStatus, at time.Duration) core.Event {
	return core.Event{
		Kind:     core.EventOrderUpdate,
		Exchange: "test",
		Order: &core.OrderUpdate{
			Symbol:        "BTCUSDT",
			OrderID:       id,
			ClientOrderID: clientID,
			Side:          core.SideBuy,
			Status:        status,
			UpdatedAt:     t0.Add(at),
		},
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := New()

	assert.True(t, tr.Apply(orderEvent("1", "c1", core.StatusNew, 0)))
	assert.True(t, tr.Apply(orderEvent("1", "", core.StatusPartiallyFilled, time.Second)))
	assert.True(t, tr.Apply(orderEvent("1", "", core.StatusFilled, 2*time.Second)))

	o, ok := tr.Get("1")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, o.Status)
	assert.Equal(t, "c1", o.ClientOrderID, "client id kept from the first update")

	o, ok = tr.GetByClientID("c1")
	require.True(t, ok)
	assert.Equal(t, "1", o.OrderID)
	assert.Empty(t, tr.Open())
}

func TestTracker_IgnoresRegressions(t *testing.T) {
	tests := []struct {
		name  string
		from  core.OrderStatus
		to    core.OrderStatus
		apply bool
	}{
		{"fill after partial", core.StatusPartiallyFilled, core.StatusFilled, true},
		{"partial after fill", core.StatusFilled, core.StatusPartiallyFilled, false},
		{"new after cancel", core.StatusCanceled, core.StatusNew, false},
		{"new after partial", core.StatusPartiallyFilled, core.StatusNew, false},
		{"known after unknown", core.StatusUnknown, core.StatusNew, true},
		{"unknown after new", core.StatusNew, core.StatusUnknown, false},
		{"cancel after new", core.StatusNew, core.StatusCanceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New()
			require.True(t, tr.Apply(orderEvent("1", "", tt.from, 0)))
			assert.Equal(t, tt.apply, tr.Apply(orderEvent("1", "", tt.to, time.Second)))
		})
	}
}

func TestTracker_IgnoresOlderSameStatus(t *testing.T) {
	tr := New()
	require.True(t, tr.Apply(orderEvent("1", "", core.StatusPartiallyFilled, 2*time.Second)))
	assert.False(t, tr.Apply(orderEvent("1", "", core.StatusPartiallyFilled, time.Second)))
	assert.True(t, tr.Apply(orderEvent("1", "", core.StatusPartiallyFilled, 3*time.Second)))
}

func TestTracker_EvictsOldestTerminal(t *testing.T) {
	tr := New(WithMaxTerminal(2))
	for _, id := range []string{"1", "2", "3"} {
		tr.Apply(orderEvent(id, "c"+id, core.StatusFilled, 0))
	}
	tr.Apply(orderEvent("4", "c4", core.StatusNew, 0))

	_, ok := tr.Get("1")
	assert.False(t, ok)
	_, ok = tr.GetByClientID("c1")
	assert.False(t, ok)

	for _, id := range []string{"2", "3", "4"} {
		_, ok := tr.Get(id)
		assert.True(t, ok, id)
	}
	open := tr.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "4", open[0].OrderID)
}

func TestTracker_GapMarksStale(t *testing.T) {
	tr := New()
	assert.False(t, tr.Stale())

	changed := tr.Apply(core.Event{Kind: core.EventGap, Gap: &core.Gap{Reason: core.GapReconnect}})
	assert.False(t, changed)
	assert.True(t, tr.Stale())

	tr.MarkReconciled()
	assert.False(t, tr.Stale())
}

func TestTracker_IgnoresOtherEvents(t *testing.T) {
	tr := New()
	assert.False(t, tr.Apply(core.Event{Kind: core.EventBalanceUpdate, Balance: &core.BalanceUpdate{}}))
	assert.False(t, tr.Apply(core.Event{Kind: core.EventOrderUpdate}))
	assert.Empty(t, tr.Orders(Filter{}))
}

func TestTracker_Filter(t *testing.T) {
	tr := New()
	tr.Apply(orderEvent("2", "", core.StatusNew, 0))
	tr.Apply(orderEvent("1", "", core.StatusFilled, 0))
	sell := orderEvent("3", "", core.StatusNew, 0)
	sell.Order.Side = core.SideSell
	sell.Order.Symbol = "ETHUSDT"
	tr.Apply(sell)

	all := tr.Orders(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].OrderID)

	assert.Len(t, tr.Orders(Filter{Symbol: "ETHUSDT"}), 1)
	assert.Len(t, tr.Orders(Filter{Side: core.SideBuy}), 2)
	assert.Len(t, tr.Orders(Filter{Status: core.StatusNew}), 2)
	assert.Len(t, tr.Orders(Filter{Side: core.SideBuy, OpenOnly: true}), 1)
}

func TestTracker_Callbacks(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	var seen []core.OrderStatus
	tr.OnUpdate(func(o core.OrderUpdate) {
		mu.Lock()
		seen = append(seen, o.Status)
		mu.Unlock()
	})

	tr.Apply(orderEvent("1", "", core.StatusNew, 0))
	tr.Apply(orderEvent("1", "", core.StatusFilled, time.Second))
	tr.Apply(orderEvent("1", "", core.StatusPartiallyFilled, 2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.OrderStatus{core.StatusNew, core.StatusFilled}, seen)
}

func TestTracker_Run(t *testing.T) {
	q := userstream.NewQueue(10)
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, q) }()

	policy := userstream.Policy{}
	require.NoError(t, q.Push(ctx, orderEvent("1", "", core.StatusNew, 0), policy))
	require.NoError(t, q.Push(ctx, orderEvent("1", "", core.StatusFilled, time.Second), policy))

	assert.Eventually(t, func() bool {
		o, ok := tr.Get("1")
		return ok && o.Status == core.StatusFilled
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
