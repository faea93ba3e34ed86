package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerTicksOnInterval(t *testing.T) {
	var ticks atomic.Int64
	r := NewRunner("counter", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, zerolog.Nop())

	pool := NewPool(zerolog.Nop())
	pool.Add(r)
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	pool.Stop()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
}

func TestRunnerSurvivesPanicAndError(t *testing.T) {
	var ticks atomic.Int64
	r := NewRunner("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		n := ticks.Add(1)
		switch n {
		case 1:
			panic("tick exploded")
		case 2:
			return errors.New("tick failed")
		}
		return nil
	}, zerolog.Nop())

	pool := NewPool(zerolog.Nop())
	pool.Add(r)
	pool.Start(context.Background())
	defer pool.Stop()

	// Panic on tick 1 and error on tick 2 must not kill the worker.
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	last, err := r.LastTick()
	assert.False(t, last.IsZero())
	assert.NoError(t, err, "latest tick succeeded")
}

func TestRunnerTicksAreSingleFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	r := NewRunner("slow", 5*time.Millisecond, func(ctx context.Context) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond) // slower than the interval
		return nil
	}, zerolog.Nop())

	pool := NewPool(zerolog.Nop())
	pool.Add(r)
	pool.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	pool.Stop()

	assert.Equal(t, int64(1), maxInFlight.Load(), "ticks must never overlap")
}

func TestPoolHealth(t *testing.T) {
	ok := NewRunner("ok", 5*time.Millisecond, func(ctx context.Context) error { return nil }, zerolog.Nop())
	bad := NewRunner("bad", 5*time.Millisecond, func(ctx context.Context) error { return errors.New("boom") }, zerolog.Nop())

	pool := NewPool(zerolog.Nop())
	pool.Add(ok, bad)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		h := pool.Health()
		return !h["ok"].LastTick.IsZero() && h["bad"].LastError != ""
	}, time.Second, 5*time.Millisecond)

	h := pool.Health()
	assert.Empty(t, h["ok"].LastError)
	assert.Equal(t, "boom", h["bad"].LastError)
}
