package objstore

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RetryPolicy bounds the internal retries of transient backend errors.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NoRetry runs every operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// retry calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. onRetry is told about every failed attempt that
// will be followed by another one.
func (p RetryPolicy) retry(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	p = p.normalized()
	delay := p.InitialDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}

		wait := delay
		if p.Jitter && delay >= 4 {
			randMu.Lock()
			wait += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return contextError(ctx, nil)
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * p.Multiplier)
		if next > p.MaxDelay || next <= 0 {
			next = p.MaxDelay
		}
		delay = next
	}
	return err
}
