package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading-autopilot/internal/logging"
)

// ErrForcedTeardown is returned by Stop when an in-flight task outlived the
// grace period.
var ErrForcedTeardown = errors.New("scheduler: grace period exceeded, forced teardown")

// TaskFunc is one tick of work. ctx is cancelled only on forced teardown,
// not when Stop is called.
type TaskFunc func(ctx context.Context)

// LoopConfig configures a Loop.
type LoopConfig struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	Grace          time.Duration
	Clock          Clock
	Logger         *logging.Logger
}

// Loop runs a task on a fixed interval in a single goroutine, so ticks of
// one loop never overlap each other.
type Loop struct {
	cfg  LoopConfig
	task TaskFunc

	mu         sync.Mutex
	running    bool
	stopSched  context.CancelFunc
	hardCancel context.CancelFunc
	done       chan struct{}
	resetCh    chan time.Duration
}

// NewLoop creates a stopped loop.
func NewLoop(cfg LoopConfig, task TaskFunc) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	cfg.Logger = cfg.Logger.WithComponent("scheduler").WithField("loop", cfg.Name)
	return &Loop{cfg: cfg, task: task}
}

// Start begins ticking. The parent context bounds the whole loop; cancelling
// it behaves like Stop without the grace wait.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("loop %s already running", l.cfg.Name)
	}
	if l.cfg.Interval <= 0 {
		return fmt.Errorf("loop %s: invalid interval %s", l.cfg.Name, l.cfg.Interval)
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))

	l.running = true
	l.stopSched = stopSched
	l.hardCancel = hardCancel
	l.done = make(chan struct{})
	l.resetCh = make(chan time.Duration, 1)

	go l.run(schedCtx, hardCtx, l.done, l.resetCh)

	l.cfg.Logger.Info("Loop started", "interval", l.cfg.Interval.String())
	return nil
}

func (l *Loop) run(schedCtx, hardCtx context.Context, done chan struct{}, resetCh chan time.Duration) {
	defer close(done)

	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer func() { ticker.Stop() }()

	if l.cfg.RunImmediately {
		l.task(hardCtx)
	}

	for {
		select {
		case <-schedCtx.Done():
			return
		case d := <-resetCh:
			ticker.Stop()
			ticker = l.cfg.Clock.NewTicker(d)
		case <-ticker.C():
			// Stop may have raced the tick; do not start new work after it.
			if schedCtx.Err() != nil {
				return
			}
			l.task(hardCtx)
		}
	}
}

// Stop halts scheduling immediately and waits up to the grace period for an
// in-flight task. After that the task context is cancelled and
// ErrForcedTeardown is returned.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	stopSched, hardCancel, done := l.stopSched, l.hardCancel, l.done
	l.mu.Unlock()

	stopSched()
	defer hardCancel()

	timer := time.NewTimer(l.cfg.Grace)
	defer timer.Stop()

	select {
	case <-done:
		l.cfg.Logger.Info("Loop stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.cfg.Logger.Warn("In-flight task exceeded grace period, forcing teardown", "grace", l.cfg.Grace.String())
	hardCancel()
	return ErrForcedTeardown
}

// SetInterval changes the tick interval of a running loop; a stopped loop
// picks it up on the next Start.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.Interval == d {
		return
	}
	l.cfg.Interval = d
	if !l.running {
		return
	}
	select {
	case l.resetCh <- d:
	default:
		// a reset is already queued; replace it
		select {
		case <-l.resetCh:
		default:
		}
		l.resetCh <- d
	}
}

// Running reports whether the loop is scheduling ticks.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Interval returns the configured tick interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Interval
}
