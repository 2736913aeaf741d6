package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConcurrencyLimiterRejectsZero(t *testing.T) {
	_, err := NewConcurrencyLimiter(0, 0)
	assert.True(t, errors.Is(err, ErrInitialization))
	_, err = NewConcurrencyLimiter(-3, 0)
	assert.True(t, errors.Is(err, ErrInitialization))
}

func TestLimiterAcquireRelease(t *testing.T) {
	l, err := NewConcurrencyLimiter(2, 0)
	require.NoError(t, err)
	ctx := context.Background()

	p1, err := l.Acquire(ctx)
	require.NoError(t, err)
	p2, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight())

	// Full: a bounded wait gives up with a timeout.
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(tctx)
	assert.Equal(t, ErrTimeout, err)

	p1.Release()
	p1.Release()
	assert.Equal(t, 1, l.InFlight())

	p3, err := l.Acquire(ctx)
	require.NoError(t, err)
	p2.Release()
	p3.Release()
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiterCancelledContextGetsNoPermit(t *testing.T) {
	l, err := NewConcurrencyLimiter(1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := l.Acquire(ctx)
	assert.Nil(t, p)
	assert.Equal(t, ErrCancelled, err)
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiterWaiterIsCancelled(t *testing.T) {
	l, err := NewConcurrencyLimiter(1, 0)
	require.NoError(t, err)
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = l.Acquire(ctx)
	assert.Equal(t, ErrCancelled, err)
	assert.Equal(t, 1, l.InFlight())
}

func TestLimiterRateLimit(t *testing.T) {
	l, err := NewConcurrencyLimiter(10, 20)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 25; i++ {
		p, err := l.Acquire(context.Background())
		require.NoError(t, err)
		p.Release()
	}
	// 20 come from the initial burst, the other 5 are paced at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestNilPermitRelease(t *testing.T) {
	var p *Permit
	assert.NotPanics(t, p.Release)
}
