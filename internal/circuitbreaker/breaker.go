package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"exlink/pkg/core"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailThreshold    int           `json:"fail_threshold" validate:"min=1"`
	SuccessThreshold int           `json:"success_threshold" validate:"min=1"`
	Timeout          time.Duration `json:"timeout" validate:"min=1ms"`
}

// FromConfig extracts the breaker settings of a runtime config.
func FromConfig(cfg *core.Config) Config {
	return Config{
		FailThreshold:    cfg.CircuitBreakerFailThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
	}
}

// Breaker stops calls to an endpoint that keeps failing transiently. After
// FailThreshold consecutive failures it opens for Timeout, then lets probes through
// half-open until SuccessThreshold of them succeed.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	cfg      Config
	clock    core.Clock
	onChange func(from, to State)
	metrics  *Metrics
}

type Metrics struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	rejected        atomic.Int64
	stateChanges    atomic.Int32
}

type Option func(*Breaker)

func WithClock(clock core.Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithStateChange registers a callback run on every transition, outside the lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(config Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:     config,
		clock:   core.SystemClock,
		metrics: &Metrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed, moving an expired open breaker to half-open.
func (b *Breaker) Allow() bool {
	b.metrics.totalRequests.Add(1)

	b.mu.Lock()
	from := b.state
	allowed := true
	if b.state == StateOpen {
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.Timeout {
			b.toLocked(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	to := b.state
	b.mu.Unlock()

	if !allowed {
		b.metrics.rejected.Add(1)
	}
	b.notify(from, to)
	return allowed
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(success bool) {
	if success {
		b.metrics.successRequests.Add(1)
	} else {
		b.metrics.failedRequests.Add(1)
	}

	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.cfg.FailThreshold {
				b.toLocked(StateOpen)
			}
		}
	case StateHalfOpen:
		if success {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.toLocked(StateClosed)
			}
		} else {
			b.toLocked(StateOpen)
		}
	case StateOpen:
		// late result from a call admitted before the breaker opened
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) toLocked(state State) {
	b.state = state
	b.failures = 0
	b.successes = 0
	if state == StateOpen {
		b.openedAt = b.clock.Now()
	}
	b.metrics.stateChanges.Add(1)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   b.metrics.totalRequests.Load(),
		SuccessRequests: b.metrics.successRequests.Load(),
		FailedRequests:  b.metrics.failedRequests.Load(),
		Rejected:        b.metrics.rejected.Load(),
		StateChanges:    b.metrics.stateChanges.Load(),
		CurrentState:    b.State().String(),
	}
}

type MetricsSnapshot struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	Rejected        int64
	StateChanges    int32
	CurrentState    string
}
