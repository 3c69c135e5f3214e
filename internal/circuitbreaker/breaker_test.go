package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"exlink/pkg/core"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"closed", StateClosed, "CLOSED"},
		{"open", StateOpen, "OPEN"},
		{"half_open", StateHalfOpen, "HALF_OPEN"},
		{"unknown", State(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(core.DefaultConfig("binance"))

	assert.Equal(t, 5, cfg.FailThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	breaker := New(Config{FailThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})

	for i := 0; i < 2; i++ {
		assert.True(t, breaker.Allow())
		breaker.Record(false)
	}
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 2, breaker.Failures())

	breaker.Record(false)
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())
	assert.Equal(t, int64(1), breaker.Metrics().Rejected)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	breaker := New(Config{FailThreshold: 2, SuccessThreshold: 1, Timeout: time.Second})

	breaker.Record(false)
	breaker.Record(true)
	breaker.Record(false)

	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	var transitions []string
	breaker := New(
		Config{FailThreshold: 1, SuccessThreshold: 2, Timeout: time.Second},
		WithClock(clock),
		WithStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	breaker.Record(false)
	assert.False(t, breaker.Allow())

	clock.Advance(time.Second)
	assert.True(t, breaker.Allow())
	assert.Equal(t, StateHalfOpen, breaker.State())

	breaker.Record(true)
	assert.Equal(t, StateHalfOpen, breaker.State())
	breaker.Record(true)
	assert.Equal(t, StateClosed, breaker.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	breaker := New(Config{FailThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}, WithClock(clock))

	breaker.Record(false)
	clock.Advance(time.Second)
	assert.True(t, breaker.Allow())

	breaker.Record(false)
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	breaker := New(Config{FailThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	breaker.Record(false)
	assert.Equal(t, StateOpen, breaker.State())

	breaker.Reset()
	assert.Equal(t, StateClosed, breaker.State())
	assert.True(t, breaker.Allow())
	assert.Equal(t, "CLOSED", breaker.Metrics().CurrentState)
}
