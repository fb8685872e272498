// Package circuit holds the two trading guards: a per-session breaker that
// halts order flow after losses and reopens after a cooldown, and a latched
// emergency stop that stays asserted until an operator clears it.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"trading-autopilot/internal/scheduler"
)

// State of a session breaker.
type State string

const (
	StateClosed   State = "closed"    // trading allowed
	StateOpen     State = "open"      // halted, cooling down
	StateHalfOpen State = "half_open" // cooldown elapsed, waiting for a winner
)

// Config bounds a session's losses and trade rate. Loss figures are
// percentages of balance.
type Config struct {
	Enabled              bool          `json:"enabled" mapstructure:"enabled"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses" mapstructure:"max_consecutive_losses"`
	MaxLossPerHour       float64       `json:"max_loss_per_hour" mapstructure:"max_loss_per_hour"`
	MaxDailyLoss         float64       `json:"max_daily_loss" mapstructure:"max_daily_loss"`
	MaxTradesPerMinute   int           `json:"max_trades_per_minute" mapstructure:"max_trades_per_minute"`
	MaxDailyTrades       int           `json:"max_daily_trades" mapstructure:"max_daily_trades"`
	Cooldown             time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxLossPerHour:       3.0,
		MaxDailyLoss:         5.0,
		MaxTradesPerMinute:   10,
		MaxDailyTrades:       100,
		Cooldown:             30 * time.Minute,
	}
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	HourlyLoss        float64   `json:"hourly_loss"`
	DailyLoss         float64   `json:"daily_loss"`
	TradesLastMinute  int       `json:"trades_last_minute"`
	DailyTrades       int       `json:"daily_trades"`
	TripReason        string    `json:"trip_reason,omitempty"`
	LastTripTime      time.Time `json:"last_trip_time,omitempty"`
}

// Breaker guards a single trading session. Callbacks run synchronously
// after the internal lock is released.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock scheduler.Clock

	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	tripReason        string
	lastTripTime      time.Time

	minuteReset time.Time
	hourReset   time.Time
	dayReset    time.Time

	onTrip  func(reason string)
	onReset func()
}

// NewBreaker creates a closed breaker. A nil clock means wall time.
func NewBreaker(cfg Config, clock scheduler.Clock) *Breaker {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	now := clock.Now()
	return &Breaker{
		cfg:         cfg,
		clock:       clock,
		state:       StateClosed,
		minuteReset: now.Add(time.Minute),
		hourReset:   now.Add(time.Hour),
		dayReset:    nextUTCMidnight(now),
	}
}

// OnTrip registers a callback fired when the breaker opens.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// OnReset registers a callback fired when the breaker closes again.
func (b *Breaker) OnReset(fn func()) {
	b.mu.Lock()
	b.onReset = fn
	b.mu.Unlock()
}

// Allow reports whether a new order may be placed, and why not.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return true, ""
	}
	now := b.clock.Now()
	b.rollWindows(now)

	if b.state == StateOpen {
		elapsed := now.Sub(b.lastTripTime)
		if elapsed < b.cfg.Cooldown {
			return false, fmt.Sprintf("breaker open for another %s (%s)",
				(b.cfg.Cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		// the streak that tripped us is forgiven once the cooldown has run
		b.consecutiveLosses = 0
	}

	switch {
	case b.cfg.MaxLossPerHour > 0 && b.hourlyLoss >= b.cfg.MaxLossPerHour:
		return false, fmt.Sprintf("hourly loss %.2f%% at limit %.2f%%", b.hourlyLoss, b.cfg.MaxLossPerHour)
	case b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss:
		return false, fmt.Sprintf("daily loss %.2f%% at limit %.2f%%", b.dailyLoss, b.cfg.MaxDailyLoss)
	case b.cfg.MaxTradesPerMinute > 0 && b.tradesLastMinute >= b.cfg.MaxTradesPerMinute:
		return false, fmt.Sprintf("%d trades in the last minute", b.tradesLastMinute)
	case b.cfg.MaxDailyTrades > 0 && b.dailyTrades >= b.cfg.MaxDailyTrades:
		return false, fmt.Sprintf("%d trades today", b.dailyTrades)
	}
	return true, ""
}

// RecordTrade feeds a closed trade's PnL percentage into the breaker.
// Non-finite values are ignored.
func (b *Breaker) RecordTrade(pnlPercent float64) {
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	b.rollWindows(now)

	b.tradesLastMinute++
	b.dailyTrades++

	var reset func()
	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.hourlyLoss -= pnlPercent
		b.dailyLoss -= pnlPercent
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			reset = b.onReset
		}
	}

	var trip func(string)
	reason := b.tripReasonLocked()
	if reason != "" && b.state != StateOpen {
		b.state = StateOpen
		b.tripReason = reason
		b.lastTripTime = now
		trip = b.onTrip
	}
	b.mu.Unlock()

	if reset != nil {
		reset()
	}
	if trip != nil {
		trip(reason)
	}
}

func (b *Breaker) tripReasonLocked() string {
	switch {
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		return fmt.Sprintf("%d consecutive losses", b.consecutiveLosses)
	case b.cfg.MaxLossPerHour > 0 && b.hourlyLoss >= b.cfg.MaxLossPerHour:
		return fmt.Sprintf("hourly loss %.2f%%", b.hourlyLoss)
	case b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss:
		return fmt.Sprintf("daily loss %.2f%%", b.dailyLoss)
	}
	return ""
}

func (b *Breaker) rollWindows(now time.Time) {
	if !now.Before(b.minuteReset) {
		b.tradesLastMinute = 0
		b.minuteReset = now.Add(time.Minute)
	}
	if !now.Before(b.hourReset) {
		b.hourlyLoss = 0
		b.hourReset = now.Add(time.Hour)
	}
	if !now.Before(b.dayReset) {
		b.dailyLoss = 0
		b.dailyTrades = 0
		b.dayReset = nextUTCMidnight(now)
	}
}

// Reset closes the breaker and clears the loss streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	fn := b.onReset
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		HourlyLoss:        b.hourlyLoss,
		DailyLoss:         b.dailyLoss,
		TradesLastMinute:  b.tradesLastMinute,
		DailyTrades:       b.dailyTrades,
		TripReason:        b.tripReason,
		LastTripTime:      b.lastTripTime,
	}
}

// UpdateConfig replaces positive limits; zero fields keep their value.
func (b *Breaker) UpdateConfig(u Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg.Enabled = u.Enabled
	if u.MaxConsecutiveLosses > 0 {
		b.cfg.MaxConsecutiveLosses = u.MaxConsecutiveLosses
	}
	if u.MaxLossPerHour > 0 {
		b.cfg.MaxLossPerHour = u.MaxLossPerHour
	}
	if u.MaxDailyLoss > 0 {
		b.cfg.MaxDailyLoss = u.MaxDailyLoss
	}
	if u.MaxTradesPerMinute > 0 {
		b.cfg.MaxTradesPerMinute = u.MaxTradesPerMinute
	}
	if u.MaxDailyTrades > 0 {
		b.cfg.MaxDailyTrades = u.MaxDailyTrades
	}
	if u.Cooldown > 0 {
		b.cfg.Cooldown = u.Cooldown
	}
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
