package userstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exlink/pkg/core"
)

func seqEvent(seq int64) core.Event {
	return core.Event{Kind: core.EventOrderUpdate, Channel: "order", Sequence: seq}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Push(ctx, seqEvent(i), Policy{}))
	}
	for i := int64(1); i <= 5; i++ {
		ev, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Sequence)
	}
	assert.Equal(t, int64(5), q.Pushed())
}

func TestQueue_DropOldest(t *testing.T) {
	var dropped []int64
	q := NewQueue(2, WithDropHandler(func(ev core.Event) { dropped = append(dropped, ev.Sequence) }))
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Push(ctx, seqEvent(i), Policy{DropOldest: true}))
	}
	assert.Equal(t, []int64{1, 2}, dropped)
	assert.Equal(t, int64(2), q.Dropped())

	ev, _ := q.Pop(ctx)
	assert.Equal(t, int64(3), ev.Sequence)
	ev, _ = q.Pop(ctx)
	assert.Equal(t, int64(4), ev.Sequence)
}

func TestQueue_BlockingPushTimesOut(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, seqEvent(1), Policy{}))

	start := time.Now()
	err := q.Push(ctx, seqEvent(2), Policy{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 1, q.Len())
}

func TestQueue_BlockingPushWaitsForConsumer(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, seqEvent(1), Policy{}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Pop(ctx)
	}()
	require.NoError(t, q.Push(ctx, seqEvent(2), Policy{}))

	ev := <-q.C()
	assert.Equal(t, int64(2), ev.Sequence)
}

func TestQueue_PushCancelled(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push(context.Background(), seqEvent(1), Policy{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := q.Push(ctx, seqEvent(2), Policy{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, q.Dropped())
}

func TestQueue_PopCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_MultipleProducers(t *testing.T) {
	q := NewQueue(1000)
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = q.Push(context.Background(), seqEvent(int64(i)), Policy{})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
	assert.Equal(t, int64(1000), q.Pushed())
}

func TestSequencer(t *testing.T) {
	s := newSequencer()

	assert.Nil(t, s.observe("order", 1))
	assert.Nil(t, s.observe("order", 2))
	assert.Nil(t, s.observe("order", 3))

	gap := s.observe("order", 7)
	require.NotNil(t, gap)
	assert.Equal(t, core.GapSequence, gap.Reason)
	assert.Equal(t, int64(3), gap.After)
	assert.Equal(t, int64(7), gap.Next)

	assert.Nil(t, s.observe("balance", 40), "channels are tracked separately")
	assert.Nil(t, s.observe("order", 2), "a restart resets the baseline")
	assert.Nil(t, s.observe("order", 3))
	assert.Nil(t, s.observe("order", 0))
}
