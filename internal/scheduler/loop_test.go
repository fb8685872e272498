package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/logging"
)

func newTestLoop(clock Clock, interval time.Duration, immediate bool, task TaskFunc) *Loop {
	return NewLoop(LoopConfig{
		Name:           "test",
		Interval:       interval,
		RunImmediately: immediate,
		Grace:          200 * time.Millisecond,
		Clock:          clock,
		Logger:         logging.Nop(),
	}, task)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestLoop_ImmediateTickThenInterval(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var ticks atomic.Int32
	loop := newTestLoop(clock, 5*time.Second, true, func(context.Context) { ticks.Add(1) })

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop(context.Background())

	require.True(t, clock.WaitForTickers(1, time.Second))
	waitFor(t, func() bool { return ticks.Load() == 1 })

	clock.Advance(5 * time.Second)
	waitFor(t, func() bool { return ticks.Load() == 2 })

	clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), ticks.Load())
}

func TestLoop_NoImmediateTick(t *testing.T) {
	clock := NewManualClock(time.Now())
	var ticks atomic.Int32
	loop := newTestLoop(clock, time.Minute, false, func(context.Context) { ticks.Add(1) })

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop(context.Background())

	require.True(t, clock.WaitForTickers(1, time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())

	clock.Advance(time.Minute)
	waitFor(t, func() bool { return ticks.Load() == 1 })
}

func TestLoop_StartTwiceFails(t *testing.T) {
	loop := newTestLoop(NewManualClock(time.Now()), time.Second, false, func(context.Context) {})
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop(context.Background())
	assert.Error(t, loop.Start(context.Background()))
}

func TestLoop_InvalidInterval(t *testing.T) {
	loop := newTestLoop(NewManualClock(time.Now()), 0, false, func(context.Context) {})
	assert.Error(t, loop.Start(context.Background()))
}

func TestLoop_StopWaitsForInFlightTask(t *testing.T) {
	clock := NewManualClock(time.Now())
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	loop := newTestLoop(clock, time.Second, true, func(context.Context) {
		close(started)
		<-release
		finished.Store(true)
	})
	require.NoError(t, loop.Start(context.Background()))
	<-started

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, loop.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.False(t, loop.Running())
}

func TestLoop_StopForcesTeardownAfterGrace(t *testing.T) {
	clock := NewManualClock(time.Now())
	started := make(chan struct{})
	cancelled := make(chan struct{})

	loop := newTestLoop(clock, time.Second, true, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	require.NoError(t, loop.Start(context.Background()))
	<-started

	err := loop.Stop(context.Background())
	assert.ErrorIs(t, err, ErrForcedTeardown)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled on forced teardown")
	}
}

func TestLoop_NoTicksAfterStop(t *testing.T) {
	clock := NewManualClock(time.Now())
	var ticks atomic.Int32
	loop := newTestLoop(clock, time.Second, false, func(context.Context) { ticks.Add(1) })

	require.NoError(t, loop.Start(context.Background()))
	require.True(t, clock.WaitForTickers(1, time.Second))
	require.NoError(t, loop.Stop(context.Background()))

	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())
}

func TestLoop_SetInterval(t *testing.T) {
	clock := NewManualClock(time.Now())
	var ticks atomic.Int32
	loop := newTestLoop(clock, time.Hour, false, func(context.Context) { ticks.Add(1) })

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop(context.Background())
	require.True(t, clock.WaitForTickers(1, time.Second))

	loop.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, loop.Interval())

	// old ticker is stopped and a new one registered
	waitFor(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return len(clock.tickers) == 2 && clock.tickers[0].stopped
	})

	clock.Advance(time.Minute)
	waitFor(t, func() bool { return ticks.Load() == 1 })
}

func TestManualClock_DropsWhenFull(t *testing.T) {
	clock := NewManualClock(time.Now())
	tk := clock.NewTicker(time.Second)
	clock.Advance(time.Second)
	clock.Advance(time.Second)
	clock.Advance(time.Second)

	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("expected single buffered tick")
	default:
	}
}
