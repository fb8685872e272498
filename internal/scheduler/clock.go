// Package scheduler provides the cancellable fixed-interval loop both timer
// domains (session orchestration and profit banking) run on, with an
// injectable clock so ticks are deterministic in tests.
package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// ManualClock only moves when Advance or Set is called.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{clock: c, interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Set moves the clock to t without firing tickers.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and fires every ticker that became due.
// Like time.Ticker, a ticker whose channel is full drops the tick.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if t.stopped || t.interval <= 0 {
			continue
		}
		fired := false
		for !t.next.After(c.now) {
			t.next = t.next.Add(t.interval)
			fired = true
		}
		if fired {
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

// ActiveTickers returns how many tickers are registered and not stopped.
func (c *ManualClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// WaitForTickers blocks until at least n tickers are active or timeout
// elapses. It reports whether the count was reached.
func (c *ManualClock) WaitForTickers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.ActiveTickers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.ActiveTickers() >= n
}

type manualTicker struct {
	clock    *ManualClock
	interval time.Duration
	next     time.Time
	stopped  bool
	ch       chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
