package objstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConcurrencyLimiter bounds the number of in-flight backend calls. An
// optional rate limit additionally paces how fast permits are handed out.
type ConcurrencyLimiter struct {
	limit    int64
	sem      *semaphore.Weighted
	rate     *rate.Limiter
	inFlight int64
}

// NewConcurrencyLimiter returns a limiter admitting at most limit calls at
// once. requestsPerSecond of zero disables pacing.
func NewConcurrencyLimiter(limit int, requestsPerSecond float64) (*ConcurrencyLimiter, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(ErrInitialization, "concurrency limit must be positive, got %d", limit)
	}
	l := &ConcurrencyLimiter{
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return l, nil
}

// Acquire blocks until a permit is free or ctx is done. A context that is
// already done never yields a permit.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) (*Permit, error) {
	if ctx.Err() != nil {
		return nil, contextError(ctx, nil)
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx, nil)
			}
			// Wait also fails when the deadline is closer than the next token.
			return nil, ErrTimeout
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx, nil)
	}
	atomic.AddInt64(&l.inFlight, 1)
	return &Permit{limiter: l}, nil
}

// InFlight is the number of permits currently held.
func (l *ConcurrencyLimiter) InFlight() int {
	return int(atomic.LoadInt64(&l.inFlight))
}

// Limit is the configured permit count.
func (l *ConcurrencyLimiter) Limit() int {
	return int(l.limit)
}

// Permit is one admitted call. Release may be called any number of times;
// only the first returns the slot.
type Permit struct {
	limiter *ConcurrencyLimiter
	once    sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		atomic.AddInt64(&p.limiter.inFlight, -1)
		p.limiter.sem.Release(1)
	})
}
