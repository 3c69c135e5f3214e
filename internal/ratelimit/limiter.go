package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"exlink/pkg/core"
)

// Rule is a weighted budget of MaxCount units per sliding Window. Acquiring the
// rule books Weight units on itself and the listed weights on each linked rule.
type Rule struct {
	LimitID  string
	MaxCount int
	Window   time.Duration
	// Weight defaults to 1.
	Weight int
	Linked []LinkedLimit
}

// LinkedLimit charges Weight units against another rule.
type LinkedLimit struct {
	LimitID string
	Weight  int
}

type entry struct {
	at     time.Time
	weight int
}

type window struct {
	rule     Rule
	entries  []entry
	used     int
	inflight int
}

func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.rule.Window)
	n := 0
	for n < len(w.entries) && !w.entries[n].at.After(cutoff) {
		w.used -= w.entries[n].weight
		n++
	}
	if n > 0 {
		w.entries = w.entries[n:]
	}
}

// waitFor returns how long until weight more units fit, zero if they fit now.
func (w *window) waitFor(now time.Time, weight int) time.Duration {
	if w.used+weight <= w.rule.MaxCount {
		return 0
	}
	freed := 0
	for _, e := range w.entries {
		freed += e.weight
		if w.used-freed+weight <= w.rule.MaxCount {
			return e.at.Add(w.rule.Window).Sub(now)
		}
	}
	return w.rule.Window
}

type charge struct {
	w      *window
	weight int
}

// Limiter enforces a table of sliding-window rules. Booking across a rule and its
// linked rules is all-or-nothing under a single lock, so concurrent acquirers can
// never push any window past its MaxCount.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	plans   map[string][]charge

	clock          core.Clock
	acquireTimeout time.Duration
	observer       func(limitID string, waited time.Duration, err error)
	logger         zerolog.Logger
	metrics        *Metrics
}

// Metrics tracks statistics about rate limiter usage.
type Metrics struct {
	totalAcquires atomic.Int64
	immediate     atomic.Int64
	waited        atomic.Int64
	timedOut      atomic.Int64
	cancelled     atomic.Int64
	inflight      atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(clock core.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithAcquireTimeout bounds every Acquire; zero waits until the context ends.
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.acquireTimeout = d }
}

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithObserver registers a callback invoked after every Acquire.
func WithObserver(fn func(limitID string, waited time.Duration, err error)) Option {
	return func(l *Limiter) { l.observer = fn }
}

// New builds a limiter from rules. It fails on duplicate ids, unknown linked ids
// and weights that could never fit their window.
func New(rules []Rule, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		windows: make(map[string]*window, len(rules)),
		plans:   make(map[string][]charge, len(rules)),
		clock:   core.SystemClock,
		logger:  zerolog.Nop(),
		metrics: &Metrics{},
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, r := range rules {
		if r.LimitID == "" {
			return nil, errors.New("rate limit rule without id")
		}
		if _, dup := l.windows[r.LimitID]; dup {
			return nil, fmt.Errorf("duplicate rate limit rule %q", r.LimitID)
		}
		if r.MaxCount <= 0 || r.Window <= 0 {
			return nil, fmt.Errorf("rate limit rule %q: max count and window must be positive", r.LimitID)
		}
		if r.Weight == 0 {
			r.Weight = 1
		}
		l.windows[r.LimitID] = &window{rule: r}
	}

	for id, w := range l.windows {
		plan, err := l.plan(w.rule)
		if err != nil {
			return nil, err
		}
		l.plans[id] = plan
	}
	return l, nil
}

func (l *Limiter) plan(r Rule) ([]charge, error) {
	weights := map[string]int{r.LimitID: r.Weight}
	order := []string{r.LimitID}
	for _, link := range r.Linked {
		if _, ok := l.windows[link.LimitID]; !ok {
			return nil, fmt.Errorf("rate limit rule %q links unknown id %q", r.LimitID, link.LimitID)
		}
		if _, seen := weights[link.LimitID]; !seen {
			order = append(order, link.LimitID)
		}
		weights[link.LimitID] += link.Weight
	}

	plan := make([]charge, 0, len(order))
	for _, id := range order {
		w := l.windows[id]
		weight := weights[id]
		if weight < 1 {
			return nil, fmt.Errorf("rate limit rule %q: weight on %q must be at least 1", r.LimitID, id)
		}
		if weight > w.rule.MaxCount {
			return nil, fmt.Errorf("rate limit rule %q: weight %d never fits %q (max %d)", r.LimitID, weight, id, w.rule.MaxCount)
		}
		plan = append(plan, charge{w: w, weight: weight})
	}
	return plan, nil
}

// Acquire blocks until limitID and all of its linked limits have room, books the
// weights and returns a Permit. An empty limitID is not limited. When the context
// deadline (or the configured acquire timeout) passes first, the error wraps
// core.ErrRateLimitTimeout; plain cancellation returns the context error. Nothing
// is booked unless the permit is granted.
func (l *Limiter) Acquire(ctx context.Context, limitID string) (*Permit, error) {
	if limitID == "" {
		return &Permit{}, nil
	}
	plan, ok := l.plans[limitID]
	if !ok {
		return nil, core.WrapError("", core.ErrorTypeBadRequest, fmt.Errorf("%w: %s", core.ErrUnknownLimit, limitID)).
			WithCode(string(core.ErrCodeUnknownLimit))
	}

	l.metrics.totalAcquires.Add(1)
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	start := l.clock.Now()
	waited := false
	for {
		wait := l.tryBook(plan)
		if wait == 0 {
			if waited {
				l.metrics.waited.Add(1)
			} else {
				l.metrics.immediate.Add(1)
			}
			l.metrics.inflight.Add(1)
			l.observe(limitID, l.clock.Now().Sub(start), nil)
			return &Permit{limiter: l, limitID: limitID, plan: plan, acquiredAt: l.clock.Now()}, nil
		}

		waited = true
		l.logger.Debug().
			Str("limit_id", limitID).
			Dur("wait", wait).
			Msg("rate limit reached, waiting")

		select {
		case <-l.clock.After(wait):
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				l.metrics.timedOut.Add(1)
				err = core.WrapError("", core.ErrorTypeRateLimitTimeout, fmt.Errorf("%w: %s", core.ErrRateLimitTimeout, limitID)).
					WithCode(string(core.ErrCodeRateLimitTimeout))
			} else {
				l.metrics.cancelled.Add(1)
			}
			l.observe(limitID, l.clock.Now().Sub(start), err)
			return nil, err
		}
	}
}

// TryAcquire books limitID if every window has room right now.
func (l *Limiter) TryAcquire(limitID string) (*Permit, bool) {
	if limitID == "" {
		return &Permit{}, true
	}
	plan, ok := l.plans[limitID]
	if !ok {
		return nil, false
	}
	l.metrics.totalAcquires.Add(1)
	if l.tryBook(plan) != 0 {
		return nil, false
	}
	l.metrics.immediate.Add(1)
	l.metrics.inflight.Add(1)
	return &Permit{limiter: l, limitID: limitID, plan: plan, acquiredAt: l.clock.Now()}, true
}

// Do runs fn while holding a permit for limitID and releases it on every exit path.
func (l *Limiter) Do(ctx context.Context, limitID string, fn func(ctx context.Context) error) error {
	permit, err := l.Acquire(ctx, limitID)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

func (l *Limiter) tryBook(plan []charge) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var wait time.Duration
	for _, c := range plan {
		c.w.evict(now)
		if d := c.w.waitFor(now, c.weight); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait
	}
	for _, c := range plan {
		c.w.entries = append(c.w.entries, entry{at: now, weight: c.weight})
		c.w.used += c.weight
		c.w.inflight++
	}
	return 0
}

func (l *Limiter) release(plan []charge) {
	l.mu.Lock()
	for _, c := range plan {
		c.w.inflight--
	}
	l.mu.Unlock()
	l.metrics.inflight.Add(-1)
}

func (l *Limiter) observe(limitID string, waited time.Duration, err error) {
	if l.observer != nil {
		l.observer(limitID, waited, err)
	}
}

// Usage reports the units currently booked in limitID's window.
func (l *Limiter) Usage(limitID string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[limitID]
	if !ok {
		return Usage{}, false
	}
	w.evict(l.clock.Now())
	return Usage{
		LimitID:  limitID,
		Used:     w.used,
		MaxCount: w.rule.MaxCount,
		Window:   w.rule.Window,
		InFlight: w.inflight,
	}, true
}

// Usage is a point-in-time view of one window.
type Usage struct {
	LimitID  string
	Used     int
	MaxCount int
	Window   time.Duration
	InFlight int
}

// Permit is proof that a booking was made. Release marks the guarded unit of work
// as finished; it is safe to call more than once. Booked window units are never
// refunded, because the exchange counts the request whether or not it succeeded.
type Permit struct {
	limiter    *Limiter
	limitID    string
	plan       []charge
	acquiredAt time.Time
	released   atomic.Bool
}

// LimitID returns the rule the permit was granted for.
func (p *Permit) LimitID() string { return p.limitID }

// AcquiredAt returns when the booking was made.
func (p *Permit) AcquiredAt() time.Time { return p.acquiredAt }

// Release ends the permit.
func (p *Permit) Release() {
	if p == nil || p.limiter == nil {
		return
	}
	if p.released.CompareAndSwap(false, true) {
		p.limiter.release(p.plan)
	}
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (l *Limiter) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalAcquires: l.metrics.totalAcquires.Load(),
		Immediate:     l.metrics.immediate.Load(),
		Waited:        l.metrics.waited.Load(),
		TimedOut:      l.metrics.timedOut.Load(),
		Cancelled:     l.metrics.cancelled.Load(),
		InFlight:      l.metrics.inflight.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	// TotalAcquires is the number of permit requests for known limits.
	TotalAcquires int64
	// Immediate counts permits granted without waiting.
	Immediate int64
	// Waited counts permits granted after at least one wait.
	Waited int64
	// TimedOut counts requests that hit their deadline.
	TimedOut int64
	// Cancelled counts requests abandoned by their caller.
	Cancelled int64
	// InFlight is the number of unreleased permits.
	InFlight int64
}
