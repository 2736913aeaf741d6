package objstore

import (
	"context"
	"time"
)

// DownloadKind selects the timeout tier of a download.
type DownloadKind int

const (
	Normal DownloadKind = iota
	Small
)

func (k DownloadKind) String() string {
	if k == Small {
		return "small"
	}
	return "normal"
}

// TimeoutPolicy holds the two timeout tiers.
type TimeoutPolicy struct {
	Normal time.Duration
	Small  time.Duration
}

func (p TimeoutPolicy) forKind(kind DownloadKind) time.Duration {
	if kind == Small {
		return p.Small
	}
	return p.Normal
}

// withTier derives a context that expires after the tier duration. A zero
// duration means no tier deadline.
func (p TimeoutPolicy) withTier(ctx context.Context, kind DownloadKind) (context.Context, context.CancelFunc) {
	d := p.forKind(kind)
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type callResult[T any] struct {
	value T
	err   error
}

// race runs fn in its own goroutine and returns whichever happens first: fn
// finishing or ctx ending. When ctx wins, fn keeps running against the
// already-cancelled ctx and its eventual value is handed to abandon, which
// must release anything the value owns.
func race[T any](parent, ctx context.Context, fn func(context.Context) (T, error), abandon func(T)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- callResult[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			// A backend noticing the cancelled context reports it in its own
			// words; the context is the authority.
			if cerr := contextError(parent, ctx); cerr != nil {
				return r.value, cerr
			}
		}
		return r.value, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && abandon != nil {
				abandon(r.value)
			}
		}()
		var zero T
		return zero, contextError(parent, ctx)
	}
}
