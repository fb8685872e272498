// Package banking moves realized profit out of the futures account on a
// schedule, capped per transfer and per UTC day, and refuses to bank at
// all once drawdown crosses the emergency threshold.
package banking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-autopilot/internal/circuit"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/orchestrator"
	"trading-autopilot/internal/scheduler"
)

const (
	source = "banking"
	// ledgerSize bounds the in-memory ledger.
	ledgerSize = 100
	dayKey     = "2006-01-02"
	// manualBalanceShare caps a manual transfer to this share of balance.
	manualBalanceShare = 0.9
)

var (
	// ErrNoCredentials means the banking account has no exchange keys.
	ErrNoCredentials = errors.New("no exchange credentials for banking account")
	// ErrEmergencyStop blocks automatic transfers until cleared.
	ErrEmergencyStop = errors.New("emergency stop asserted")
)

var minTransfer = decimal.NewFromInt(1)

// LedgerStore persists banking records, the reference balance and the
// emergency stop.
type LedgerStore interface {
	InsertBankingRecord(ctx context.Context, rec *database.BankingRecord) error
	LoadBankingHistory(ctx context.Context, limit int) ([]database.BankingRecord, error)
	GetInitialBalance(ctx context.Context) (float64, bool, error)
	SetInitialBalance(ctx context.Context, v float64) error
	LoadEmergencyStop(ctx context.Context) (*database.EmergencyStopState, error)
	// SaveEmergencyStop stores a tripped stop; nil clears it.
	SaveEmergencyStop(ctx context.Context, st *database.EmergencyStopState) error
}

// CredentialStore resolves exchange keys for the banking account.
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (*exchange.Credentials, error)
}

// AccountLocker serializes work on one exchange account. The orchestrator
// takes the same lock around order submission.
type AccountLocker interface {
	Lock(accountID string) func()
}

// Action is what a banking check ended up doing.
type Action string

const (
	ActionBanked        Action = "banked"
	ActionSkipped       Action = "skipped"
	ActionFailed        Action = "failed"
	ActionRejected      Action = "rejected"
	ActionEmergencyStop Action = "emergency_stop"
)

// Outcome describes one check or manual request.
type Outcome struct {
	Action   Action                  `json:"action"`
	Reason   string                  `json:"reason,omitempty"`
	Balance  float64                 `json:"balance"`
	Profit   float64                 `json:"profit"`
	Drawdown float64                 `json:"drawdown"`
	Amount   float64                 `json:"amount"`
	Record   *database.BankingRecord `json:"record,omitempty"`
}

// Stats are running banking statistics.
type Stats struct {
	Enabled           bool                `json:"enabled"`
	Running           bool                `json:"running"`
	TotalBanked       float64             `json:"total_banked"`
	TransferCount     int                 `json:"transfer_count"`
	FailedCount       int                 `json:"failed_count"`
	LastAmount        float64             `json:"last_amount"`
	LastBankingAt     *time.Time          `json:"last_banking_at,omitempty"`
	DailyBankingTotal float64             `json:"daily_banking_total"`
	DailyResetKey     string              `json:"daily_reset_key"`
	DailyResets       int                 `json:"daily_resets"`
	InitialBalance    float64             `json:"initial_balance"`
	EmergencyStop     circuit.LatchStatus `json:"emergency_stop"`
}

// Controller is the profit-banking controller. runMu serializes checks and
// manual requests; mu guards configuration, ledger and counters.
type Controller struct {
	client  exchange.Client
	creds   CredentialStore
	store   LedgerStore
	locks   AccountLocker
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *logging.Logger
	clock   scheduler.Clock

	runMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	ledger      []database.BankingRecord
	totalBanked decimal.Decimal
	dailyTotal  decimal.Decimal
	dailyKey    string
	dailyResets int
	transfers   int
	failures    int
	lastAmount  decimal.Decimal
	lastAt      *time.Time
	initial     decimal.Decimal
	haveInitial bool
	started     bool
	loop        *scheduler.Loop

	emergency circuit.Latch
}

// Option customizes a Controller.
type Option func(*Controller)

func WithEvents(bus *events.Bus) Option           { return func(c *Controller) { c.bus = bus } }
func WithMetrics(m *observability.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithLogger(l *logging.Logger) Option         { return func(c *Controller) { c.logger = l } }
func WithClock(clock scheduler.Clock) Option      { return func(c *Controller) { c.clock = clock } }
func WithAccountLocks(l AccountLocker) Option     { return func(c *Controller) { c.locks = l } }

// New validates cfg and creates a stopped controller.
func New(cfg Config, client exchange.Client, creds CredentialStore, store LedgerStore, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		client: client,
		creds:  creds,
		store:  store,
		logger: logging.Default(),
		clock:  scheduler.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = orchestrator.NewAccountLocks()
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics("")
	}
	c.logger = c.logger.WithComponent(source)
	return c, nil
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) emit(t events.EventType, data map[string]interface{}) {
	if c.bus != nil {
		c.bus.Emit(t, source, "", data)
	}
}

// Start restores the ledger tail, today's banked total, the reference
// balance and a persisted emergency stop, then starts the timer when
// banking is enabled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("banking controller already started")
	}
	c.mu.Unlock()

	history, err := c.store.LoadBankingHistory(ctx, ledgerSize)
	if err != nil {
		return fmt.Errorf("load banking history: %w", err)
	}
	initial, ok, err := c.store.GetInitialBalance(ctx)
	if err != nil {
		return fmt.Errorf("load initial balance: %w", err)
	}
	stop, err := c.store.LoadEmergencyStop(ctx)
	if err != nil {
		return fmt.Errorf("load emergency stop: %w", err)
	}
	if stop != nil {
		c.emergency.Restore(circuit.LatchStatus{
			Tripped:   true,
			Reason:    stop.Reason,
			Value:     stop.Drawdown,
			TrippedAt: stop.TrippedAt,
		})
		c.logger.Warn("Emergency stop still asserted, automatic banking halted",
			"reason", stop.Reason, "drawdown", stop.Drawdown, "tripped_at", stop.TrippedAt)
	}

	now := c.clock.Now().UTC()
	c.mu.Lock()
	c.restore(history, now)
	if ok {
		c.initial, c.haveInitial = decimal.NewFromFloat(initial), true
	}
	c.started = true
	enabled := c.cfg.Enabled
	c.mu.Unlock()

	if !ok {
		if _, err := c.establishInitial(ctx); err != nil {
			c.logger.Warn("Initial balance not recorded yet", "error", err.Error())
		}
	}
	if enabled {
		if err := c.startLoop(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("Banking controller started", "enabled", enabled, "history", len(history))
	return nil
}

// restore rebuilds counters from persisted records. Caller holds mu.
func (c *Controller) restore(history []database.BankingRecord, now time.Time) {
	c.ledger = append([]database.BankingRecord(nil), history...)
	c.dailyKey = now.Format(dayKey)
	c.dailyTotal = decimal.Zero
	for _, rec := range history {
		if rec.Status != database.BankingCompleted {
			if rec.Status == database.BankingFailed {
				c.failures++
			}
			continue
		}
		amt := decimal.NewFromFloat(rec.Amount)
		c.totalBanked = c.totalBanked.Add(amt)
		c.transfers++
		at := rec.Timestamp
		c.lastAt, c.lastAmount = &at, amt
		if rec.Timestamp.UTC().Format(dayKey) == c.dailyKey {
			c.dailyTotal = c.dailyTotal.Add(amt)
		}
	}
	c.metrics.DailyBankingTotal.Set(c.dailyTotal.InexactFloat64())
}

// Stop halts the timer. Configuration, ledger and counters are kept.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	loop := c.loop
	c.loop = nil
	c.started = false
	c.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Stop(ctx)
}

func (c *Controller) startLoop(ctx context.Context) error {
	c.mu.Lock()
	if c.loop != nil {
		c.mu.Unlock()
		return nil
	}
	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:     source,
		Interval: c.cfg.BankingInterval,
		Clock:    c.clock,
		Logger:   c.logger,
	}, c.runScheduled)
	c.loop = loop
	c.mu.Unlock()

	if err := loop.Start(ctx); err != nil {
		c.mu.Lock()
		c.loop = nil
		c.mu.Unlock()
		return fmt.Errorf("start banking loop: %w", err)
	}
	return nil
}

func (c *Controller) stopLoop(ctx context.Context) error {
	c.mu.Lock()
	loop := c.loop
	c.loop = nil
	c.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Stop(ctx)
}

// runScheduled is the timer task. Failures end here.
func (c *Controller) runScheduled(ctx context.Context) {
	out, err := c.CheckAndBankProfits(ctx)
	if err != nil {
		c.logger.Warn("Scheduled banking check failed", "action", string(out.Action), "error", err.Error())
		return
	}
	c.logger.Debug("Scheduled banking check", "action", string(out.Action), "reason", out.Reason)
}

// SetBankingEnabled starts or stops the timer without touching
// configuration or history.
func (c *Controller) SetBankingEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	changed := c.cfg.Enabled != enabled
	c.cfg.Enabled = enabled
	started := c.started
	c.mu.Unlock()

	if started {
		var err error
		if enabled {
			err = c.startLoop(ctx)
		} else {
			err = c.stopLoop(ctx)
		}
		if err != nil {
			return err
		}
	}
	if changed {
		c.logger.Info("Banking enabled changed", "enabled", enabled)
		c.emit(events.EventConfigUpdated, map[string]interface{}{"enabled": enabled})
	}
	return nil
}

// UpdateConfig validates and applies a new configuration. An invalid
// configuration leaves the current one untouched.
func (c *Controller) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		c.metrics.RecordError(source, err)
		return err
	}
	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	loop := c.loop
	c.mu.Unlock()

	if loop != nil && cfg.BankingInterval != old.BankingInterval {
		loop.SetInterval(cfg.BankingInterval)
	}
	if cfg.Enabled != old.Enabled {
		c.mu.Lock()
		c.cfg.Enabled = old.Enabled
		c.mu.Unlock()
		if err := c.SetBankingEnabled(ctx, cfg.Enabled); err != nil {
			return err
		}
	}

	c.logger.Info("Banking config updated",
		"enabled", cfg.Enabled,
		"percentage", cfg.BankingPercentage,
		"interval", cfg.BankingInterval.String())
	c.emit(events.EventConfigUpdated, map[string]interface{}{
		"enabled":                  cfg.Enabled,
		"banking_percentage":       cfg.BankingPercentage,
		"minimum_profit_threshold": cfg.MinimumProfitThreshold,
		"maximum_single_transfer":  cfg.MaximumSingleTransfer,
		"banking_interval":         cfg.BankingInterval.String(),
		"emergency_stop_threshold": cfg.EmergencyStopThreshold,
		"max_daily_banking":        cfg.MaxDailyBanking,
	})
	return nil
}

// ClearEmergencyStop releases the latch and reports whether it was set.
// The stop stays asserted when the cleared state cannot be persisted.
func (c *Controller) ClearEmergencyStop(ctx context.Context) (bool, error) {
	status := c.emergency.Status()
	if !status.Tripped {
		return false, nil
	}
	if err := c.store.SaveEmergencyStop(ctx, nil); err != nil {
		c.metrics.RecordError(source, err)
		return false, fmt.Errorf("persist emergency stop clear: %w", err)
	}
	if !c.emergency.Clear() {
		return false, nil
	}
	c.logger.Warn("Emergency stop cleared", "reason", status.Reason, "tripped_at", status.TrippedAt)
	c.emit(events.EventConfigUpdated, map[string]interface{}{"emergency_stop": false})
	return true, nil
}

// EmergencyStop returns the latch state.
func (c *Controller) EmergencyStop() circuit.LatchStatus { return c.emergency.Status() }

// SetInitialBalance replaces the reference balance profit and drawdown
// are measured against.
func (c *Controller) SetInitialBalance(ctx context.Context, v float64) error {
	if v <= 0 {
		return faults.Invalid("initial_balance", "must be positive")
	}
	if err := c.store.SetInitialBalance(ctx, v); err != nil {
		return fmt.Errorf("store initial balance: %w", err)
	}
	c.mu.Lock()
	c.initial, c.haveInitial = decimal.NewFromFloat(v), true
	c.mu.Unlock()
	c.logger.Info("Initial balance set", "initial_balance", v)
	return nil
}

// Stats returns a snapshot of the running statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Enabled:           c.cfg.Enabled,
		Running:           c.loop != nil,
		TotalBanked:       c.totalBanked.InexactFloat64(),
		TransferCount:     c.transfers,
		FailedCount:       c.failures,
		LastAmount:        c.lastAmount.InexactFloat64(),
		DailyBankingTotal: c.dailyTotal.InexactFloat64(),
		DailyResetKey:     c.dailyKey,
		DailyResets:       c.dailyResets,
		InitialBalance:    c.initial.InexactFloat64(),
		EmergencyStop:     c.emergency.Status(),
	}
	if c.lastAt != nil {
		at := *c.lastAt
		s.LastBankingAt = &at
	}
	return s
}

// History returns up to limit of the most recent records, oldest first.
func (c *Controller) History(limit int) []database.BankingRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if limit > 0 && len(c.ledger) > limit {
		start = len(c.ledger) - limit
	}
	return append([]database.BankingRecord(nil), c.ledger[start:]...)
}

// rollDay resets the daily total when the UTC day changed since the last
// check. It reports whether a reset happened.
func (c *Controller) rollDay(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := now.UTC().Format(dayKey)
	if key == c.dailyKey {
		return false
	}
	first := c.dailyKey == ""
	c.dailyKey = key
	c.dailyTotal = decimal.Zero
	c.metrics.DailyBankingTotal.Set(0)
	if first {
		return false
	}
	c.dailyResets++
	c.logger.Info("Daily banking total reset", "day", key)
	return true
}

func (c *Controller) credentials(ctx context.Context, userID string) (*exchange.Credentials, error) {
	creds, err := c.creds.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if !creds.Valid() {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// establishInitial records the current balance as the reference when none
// is stored.
func (c *Controller) establishInitial(ctx context.Context) (decimal.Decimal, error) {
	cfg := c.Config()
	creds, err := c.credentials(ctx, cfg.AccountUserID)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := c.client.AccountBalance(ctx, creds)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account balance: %w", err)
	}
	if err := c.SetInitialBalance(ctx, bal.Total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(bal.Total), nil
}

// CheckAndBankProfits runs one banking check. The returned error reports
// why a check could not complete; callers on a timer log it and move on.
func (c *Controller) CheckAndBankProfits(ctx context.Context) (Outcome, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	now := c.clock.Now().UTC()
	c.rollDay(now)

	if c.emergency.Tripped() {
		return Outcome{Action: ActionSkipped, Reason: ErrEmergencyStop.Error()}, nil
	}

	c.mu.Lock()
	cfg := c.cfg
	initial, haveInitial := c.initial, c.haveInitial
	dailyTotal := c.dailyTotal
	c.mu.Unlock()

	creds, err := c.credentials(ctx, cfg.AccountUserID)
	if err != nil {
		c.metrics.RecordError(source, err)
		return Outcome{Action: ActionFailed, Reason: err.Error()}, err
	}

	unlock := c.locks.Lock(cfg.AccountUserID)
	defer unlock()

	bal, err := c.client.AccountBalance(ctx, creds)
	if err != nil {
		err = fmt.Errorf("account balance: %w", err)
		c.metrics.RecordError(source, err)
		return Outcome{Action: ActionFailed, Reason: err.Error()}, err
	}
	balance := decimal.NewFromFloat(bal.Total)
	if !haveInitial {
		if err := c.SetInitialBalance(ctx, bal.Total); err != nil {
			return Outcome{Action: ActionFailed, Reason: err.Error()}, err
		}
		return Outcome{Action: ActionSkipped, Balance: bal.Total, Reason: "initial balance recorded"}, nil
	}

	profit := balance.Sub(initial)
	out := Outcome{Balance: bal.Total, Profit: profit.InexactFloat64()}

	// drawdown is checked before the profit floor: a loss large enough to
	// trip the stop is also a non-positive profit
	if initial.IsPositive() {
		drawdown := initial.Sub(balance).Div(initial)
		out.Drawdown = drawdown.InexactFloat64()
		if drawdown.GreaterThan(decimal.NewFromFloat(cfg.EmergencyStopThreshold)) {
			c.tripEmergency(ctx, out, cfg, initial, now)
			out.Action = ActionEmergencyStop
			out.Reason = fmt.Sprintf("drawdown %.4f above %.4f", out.Drawdown, cfg.EmergencyStopThreshold)
			return out, nil
		}
	}

	if !profit.IsPositive() {
		out.Action, out.Reason = ActionSkipped, "no profit"
		return out, nil
	}
	if profit.LessThan(decimal.NewFromFloat(cfg.MinimumProfitThreshold)) {
		out.Action = ActionSkipped
		out.Reason = fmt.Sprintf("profit %s below threshold %v", profit.StringFixed(2), cfg.MinimumProfitThreshold)
		return out, nil
	}

	amount := decimal.Min(
		profit.Mul(decimal.NewFromFloat(cfg.BankingPercentage)),
		decimal.NewFromFloat(cfg.MaximumSingleTransfer),
		decimal.NewFromFloat(cfg.MaxDailyBanking).Sub(dailyTotal),
	).Truncate(2)
	out.Amount = amount.InexactFloat64()
	if amount.LessThan(minTransfer) {
		out.Action = ActionSkipped
		out.Reason = fmt.Sprintf("amount %s below minimum transfer", amount.StringFixed(2))
		return out, nil
	}

	return c.transfer(ctx, creds, cfg, database.TriggerAutomatic, amount, profit, balance, out)
}

func (c *Controller) tripEmergency(ctx context.Context, out Outcome, cfg Config, initial decimal.Decimal, now time.Time) {
	const reason = "drawdown above emergency threshold"
	if !c.emergency.Trip(reason, out.Drawdown, now) {
		return
	}
	// the in-memory latch holds even when persisting fails
	if err := c.store.SaveEmergencyStop(ctx, &database.EmergencyStopState{
		Reason: reason, Drawdown: out.Drawdown, TrippedAt: now,
	}); err != nil {
		c.metrics.RecordError(source, err)
		c.logger.Error("Emergency stop not persisted", "error", err.Error())
	}
	c.metrics.EmergencyStops.Inc()
	c.logger.Error("Emergency stop asserted, automatic banking halted",
		"drawdown", out.Drawdown,
		"threshold", cfg.EmergencyStopThreshold,
		"balance", out.Balance,
		"initial_balance", initial.InexactFloat64())
	c.emit(events.EventEmergencyStop, map[string]interface{}{
		"drawdown":        out.Drawdown,
		"threshold":       cfg.EmergencyStopThreshold,
		"balance":         out.Balance,
		"initial_balance": initial.InexactFloat64(),
	})
}

// ManualBanking transfers amount outside the schedule after re-validating
// it against the single-transfer cap, the remaining daily cap and 90% of
// the current balance. It is allowed during an emergency stop; such
// records carry the emergency trigger.
func (c *Controller) ManualBanking(ctx context.Context, amount float64) (Outcome, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	now := c.clock.Now().UTC()
	c.rollDay(now)

	c.mu.Lock()
	cfg := c.cfg
	initial := c.initial
	remaining := decimal.NewFromFloat(cfg.MaxDailyBanking).Sub(c.dailyTotal)
	c.mu.Unlock()

	amt := decimal.NewFromFloat(amount)
	reject := func(err error) (Outcome, error) {
		c.metrics.RecordError(source, err)
		c.metrics.BankingAttempts.WithLabelValues(string(database.TriggerManual), string(ActionRejected)).Inc()
		return Outcome{Action: ActionRejected, Amount: amount, Reason: err.Error()}, err
	}
	switch {
	case !amt.IsPositive():
		return reject(faults.Invalid("amount", "must be positive, got %v", amount))
	case amt.GreaterThan(decimal.NewFromFloat(cfg.MaximumSingleTransfer)):
		return reject(faults.Invalid("amount", "%v exceeds maximum single transfer %v", amount, cfg.MaximumSingleTransfer))
	case amt.GreaterThan(remaining):
		return reject(faults.Invalid("amount", "%v exceeds remaining daily cap %s", amount, remaining.StringFixed(2)))
	}

	creds, err := c.credentials(ctx, cfg.AccountUserID)
	if err != nil {
		c.metrics.RecordError(source, err)
		return Outcome{Action: ActionFailed, Reason: err.Error()}, err
	}

	unlock := c.locks.Lock(cfg.AccountUserID)
	defer unlock()

	bal, err := c.client.AccountBalance(ctx, creds)
	if err != nil {
		err = fmt.Errorf("account balance: %w", err)
		c.metrics.RecordError(source, err)
		return Outcome{Action: ActionFailed, Reason: err.Error()}, err
	}
	balance := decimal.NewFromFloat(bal.Total)
	if ceiling := balance.Mul(decimal.NewFromFloat(manualBalanceShare)); amt.GreaterThan(ceiling) {
		return reject(faults.Invalid("amount", "%v exceeds %.0f%% of balance %s", amount, manualBalanceShare*100, balance.StringFixed(2)))
	}

	trigger := database.TriggerManual
	if c.emergency.Tripped() {
		trigger = database.TriggerEmergency
	}
	profit := balance.Sub(initial)
	out := Outcome{Balance: bal.Total, Profit: profit.InexactFloat64(), Amount: amount}
	return c.transfer(ctx, creds, cfg, trigger, amt, profit, balance, out)
}

// transfer executes the exchange transfer and writes the ledger record.
// Caller holds runMu and the account lock.
func (c *Controller) transfer(ctx context.Context, creds *exchange.Credentials, cfg Config, trigger database.BankingTrigger,
	amount, profit, balance decimal.Decimal, out Outcome) (Outcome, error) {
	log := logging.BankingContext(c.logger, string(trigger), amount.InexactFloat64())
	rec := database.BankingRecord{
		ID:            uuid.NewString(),
		Timestamp:     c.clock.Now().UTC(),
		Amount:        amount.InexactFloat64(),
		TotalProfit:   profit.InexactFloat64(),
		BalanceBefore: balance.InexactFloat64(),
		Trigger:       trigger,
	}

	res, err := c.client.TransferToSpot(ctx, creds, cfg.Asset, rec.Amount)
	if err != nil {
		rec.Status = database.BankingFailed
		rec.BalanceAfter = rec.BalanceBefore
		rec.Error = err.Error()
		c.record(ctx, rec, log)

		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		c.metrics.BankingAttempts.WithLabelValues(string(trigger), string(database.BankingFailed)).Inc()
		c.metrics.RecordError(source, err)
		log.WithError(err).Error("Profit transfer failed")
		c.emit(events.EventBankingFailed, map[string]interface{}{
			"amount":  rec.Amount,
			"trigger": string(trigger),
			"error":   err.Error(),
		})

		out.Action, out.Reason, out.Record = ActionFailed, err.Error(), &rec
		return out, fmt.Errorf("transfer to spot: %w", err)
	}

	rec.Status = database.BankingCompleted
	rec.TransferID = res.TransferID
	rec.BalanceAfter = balance.Sub(amount).InexactFloat64()
	c.record(ctx, rec, log)

	c.mu.Lock()
	c.transfers++
	c.totalBanked = c.totalBanked.Add(amount)
	c.dailyTotal = c.dailyTotal.Add(amount)
	c.lastAmount = amount
	at := rec.Timestamp
	c.lastAt = &at
	daily := c.dailyTotal.InexactFloat64()
	c.mu.Unlock()

	c.metrics.BankingAttempts.WithLabelValues(string(trigger), string(database.BankingCompleted)).Inc()
	c.metrics.BankedAmountTotal.Add(rec.Amount)
	c.metrics.DailyBankingTotal.Set(daily)
	log.Info("Profit banked", "transfer_id", rec.TransferID, "daily_total", daily, "total_profit", rec.TotalProfit)
	c.emit(events.EventProfitBanked, map[string]interface{}{
		"amount":       rec.Amount,
		"transfer_id":  rec.TransferID,
		"trigger":      string(trigger),
		"total_profit": rec.TotalProfit,
		"daily_total":  daily,
	})

	out.Action, out.Amount, out.Record = ActionBanked, rec.Amount, &rec
	return out, nil
}

// record appends to the bounded ledger and persists. A persistence failure
// keeps the in-memory record and is logged.
func (c *Controller) record(ctx context.Context, rec database.BankingRecord, log *logging.Logger) {
	c.mu.Lock()
	c.ledger = append(c.ledger, rec)
	if len(c.ledger) > ledgerSize {
		c.ledger = append([]database.BankingRecord(nil), c.ledger[len(c.ledger)-ledgerSize:]...)
	}
	c.mu.Unlock()

	if err := c.store.InsertBankingRecord(ctx, &rec); err != nil {
		c.metrics.RecordError(source, err)
		log.Warn("Banking record not persisted", "record_id", rec.ID, "error", err.Error())
	}
}
