package rest

import (
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"exlink/pkg/core"
)

// RetryPolicy decides which failures are retried and how long to wait between
// attempts. Authentication failures and 4xx answers are never retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor applied to each wait, 0 to 1.
	Jitter float64
	// Methods restricts retries to these HTTP methods; empty allows all.
	Methods []string
	// RetryNonIdempotent also retries POST and PATCH after network errors,
	// timeouts and 5xx answers, where the server may already have acted.
	RetryNonIdempotent bool
}

// DefaultRetryPolicy retries transient failures three times. Non-idempotent
// requests are only retried when the exchange rate limited them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		Jitter:         0.5,
	}
}

// RetryPolicyFromConfig builds a policy from the runtime config.
func RetryPolicyFromConfig(cfg *core.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.InitialBackoff = cfg.RetryWaitMin
	p.MaxBackoff = cfg.RetryWaitMax
	return p
}

func (p RetryPolicy) attemptsFor(req *core.Request) int {
	if p.MaxAttempts < 1 {
		return 1
	}
	if len(p.Methods) > 0 && !slices.Contains(p.Methods, req.Method) {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(req *core.Request, err error) bool {
	if !core.IsRetryable(err) {
		return false
	}
	if req.Idempotent() || p.RetryNonIdempotent {
		return true
	}
	return core.IsRateLimitError(err)
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}

func (p RetryPolicy) next(b *backoff.ExponentialBackOff) time.Duration {
	wait := b.NextBackOff()
	if wait == backoff.Stop || wait < 0 {
		return p.MaxBackoff
	}
	return wait
}
