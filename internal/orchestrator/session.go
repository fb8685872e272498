package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trading-autopilot/internal/circuit"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/estimator"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/strategy"
)

// qtyEpsilon absorbs float residue when comparing quantities.
const qtyEpsilon = 1e-9

// Tick outcomes, used as the session_ticks_total label.
const (
	outcomeOK                 = "ok"
	outcomeTraded             = "traded"
	outcomeNoData             = "no_data"
	outcomeCredentialsInvalid = "credentials_invalid"
	outcomeNoCredentials      = "no_credentials"
	outcomeLeaseLost          = "lease_lost"
	outcomeError              = "error"
	outcomePanic              = "panic"
)

// sessionContext is the in-memory state of one active session. busy is
// claimed by the tick dispatcher before a worker starts and cleared when
// the worker returns; mu is held for the whole tick body.
type sessionContext struct {
	record   *database.TradingSession
	client   exchange.Client
	breaker  *circuit.Breaker
	est      *estimator.Estimator
	executor strategy.Executor
	logger   *logging.Logger

	busy         atomic.Bool
	closed       atomic.Bool
	credsInvalid atomic.Bool

	credMu sync.RWMutex
	creds  *exchange.Credentials

	mu sync.Mutex
	// last published copy for Sessions(); guarded by viewMu
	viewMu sync.RWMutex
	view   database.PerformanceMetrics
}

func (sc *sessionContext) credentials() *exchange.Credentials {
	sc.credMu.RLock()
	defer sc.credMu.RUnlock()
	return sc.creds
}

func (sc *sessionContext) setCredentials(c *exchange.Credentials) {
	sc.credMu.Lock()
	sc.creds = c
	sc.credMu.Unlock()
	sc.credsInvalid.Store(false)
}

func (sc *sessionContext) publish() {
	sc.viewMu.Lock()
	sc.view = sc.record.Metrics
	sc.viewMu.Unlock()
}

func (sc *sessionContext) status() SessionStatus {
	sc.viewMu.RLock()
	m := sc.view
	sc.viewMu.RUnlock()
	return SessionStatus{
		ID:                  sc.record.ID,
		UserID:              sc.record.UserID,
		Name:                sc.record.Name,
		Mode:                sc.record.Mode,
		Symbol:              sc.record.StrategyConfig.Symbol,
		Busy:                sc.busy.Load(),
		CredentialsInvalid:  sc.credsInvalid.Load(),
		AwaitingCredentials: sc.credentials() == nil,
		Breaker:             sc.breaker.State(),
		Metrics:             m,
	}
}

func (sc *sessionContext) tryLock() bool { return sc.mu.TryLock() }
func (sc *sessionContext) unlock()       { sc.mu.Unlock() }

// drain waits up to grace for an in-flight tick. On success the caller
// holds mu and must unlock it.
func (sc *sessionContext) drain(grace time.Duration) bool {
	acquired := make(chan struct{})
	abandon := make(chan struct{})
	go func() {
		sc.mu.Lock()
		select {
		case acquired <- struct{}{}:
		case <-abandon:
			sc.mu.Unlock()
		}
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-acquired:
		return true
	case <-timer.C:
		close(abandon)
		return false
	}
}

func (o *Orchestrator) clientFor(mode database.SessionMode) exchange.Client {
	if mode == database.ModePaper && o.paper != nil {
		return o.paper
	}
	return o.live
}

// paperCredentials keys a user's simulated account on the paper exchange.
func paperCredentials(userID string) *exchange.Credentials {
	return &exchange.Credentials{APIKey: "paper:" + userID, APISecret: "paper"}
}

func breakerConfig(rc database.RiskConfig) circuit.Config {
	cfg := circuit.DefaultConfig()
	cfg.MaxConsecutiveLosses = rc.MaxConsecutiveLosses
	cfg.MaxDailyLoss = rc.MaxDailyLossPercent
	cfg.MaxTradesPerMinute = rc.MaxTradesPerMinute
	cfg.MaxLossPerHour = 0
	cfg.MaxDailyTrades = 0
	if rc.CooldownMinutes > 0 {
		cfg.Cooldown = time.Duration(rc.CooldownMinutes) * time.Minute
	}
	return cfg
}

// buildContext resolves credentials and the executor for rec. With
// requireCreds set, live sessions without credentials fail with
// ErrNoCredentials; otherwise the context is built without keys and
// execute keeps looking them up on each tick.
func (o *Orchestrator) buildContext(ctx context.Context, rec *database.TradingSession, requireCreds bool) (*sessionContext, error) {
	cfg := rec.StrategyConfig
	exec, err := o.executor(cfg.Symbol, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	creds := paperCredentials(rec.UserID)
	if rec.Mode != database.ModePaper {
		creds, err = o.creds.GetCredentials(ctx, rec.UserID)
		switch {
		case err != nil && requireCreds:
			return nil, fmt.Errorf("get credentials: %w", err)
		case err != nil:
			logging.SessionContext(o.logger, rec.ID, rec.UserID, cfg.Symbol).
				Warn("Credential lookup failed, retrying on tick", "error", err.Error())
			creds = nil
		case !creds.Valid() && requireCreds:
			return nil, ErrNoCredentials
		case !creds.Valid():
			creds = nil
		}
	}

	sc := &sessionContext{
		record:   rec,
		client:   o.clientFor(rec.Mode),
		breaker:  circuit.NewBreaker(breakerConfig(rec.RiskConfig), o.clock),
		est:      estimator.New(o.estCfg),
		executor: exec,
		logger:   logging.SessionContext(o.logger, rec.ID, rec.UserID, cfg.Symbol),
		creds:    creds,
	}
	if sc.record.Metrics.SchemaVersion == 0 {
		sc.record.Metrics.SchemaVersion = database.MetricsSchemaVersion
	}
	sc.breaker.OnTrip(func(reason string) {
		sc.logger.Warn("Session circuit breaker tripped", "reason", reason)
		o.emit(events.EventError, rec.ID, map[string]interface{}{
			"message":  "circuit breaker tripped",
			"reason":   reason,
			"category": string(faults.CategoryExchange),
		})
	})
	sc.publish()
	return sc, nil
}

// runSession is one worker invocation. Errors and panics stop at this
// boundary; the loop and other sessions never see them.
func (o *Orchestrator) runSession(ctx context.Context, sc *sessionContext) {
	defer sc.busy.Store(false)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed.Load() {
		return
	}

	start := time.Now()
	outcome, err := o.safeExecute(ctx, sc)
	o.metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var fatal *faults.FatalError
		if errors.As(err, &fatal) {
			outcome = outcomePanic
		}
		o.handleError(ctx, sc, err)
	}
	o.metrics.SessionTicks.WithLabelValues(outcome).Inc()
	sc.publish()
}

func (o *Orchestrator) safeExecute(ctx context.Context, sc *sessionContext) (outcome string, err error) {
	defer faults.Recover(&err)
	return o.execute(ctx, sc)
}

func (o *Orchestrator) handleError(ctx context.Context, sc *sessionContext, err error) {
	m := &sc.record.Metrics
	m.ErrorCount++
	m.LastError = err.Error()

	category := faults.Classify(err)
	if category == faults.CategoryTransient {
		o.metrics.RecordError(source, err)
		sc.logger.Warn("Transient failure, retrying next tick", "error", err.Error())
		o.emit(events.EventError, sc.record.ID, map[string]interface{}{
			"message":  "transient failure, retrying next tick",
			"error":    err.Error(),
			"category": string(category),
		})
		return
	}

	if faults.InvalidatesCredentials(err) && sc.record.Mode != database.ModePaper {
		sc.credsInvalid.Store(true)
		sc.logger.Warn("Credentials marked invalid, session paused until refreshed", "error", err.Error())
	} else {
		sc.logger.WithError(err).Error("Session tick failed", "category", string(category))
	}
	o.emitError(sc.record.ID, "session tick failed", err)

	// keep the stored error count in step with what operators see
	if perr := o.store.UpdateSessionMetrics(ctx, sc.record.ID, *m); perr != nil {
		sc.logger.Warn("Failed to persist error metrics", "error", perr.Error())
	}
}

// execute is the tick body.
func (o *Orchestrator) execute(ctx context.Context, sc *sessionContext) (string, error) {
	if sc.credsInvalid.Load() {
		return outcomeCredentialsInvalid, nil
	}
	id := sc.record.ID
	if o.lease != nil {
		held, err := o.lease.Renew(ctx, id)
		if err != nil {
			return outcomeError, faults.Transient("renew_lease", err)
		}
		if !held {
			sc.logger.Warn("Session lease lost, skipping tick")
			return outcomeLeaseLost, nil
		}
	}

	creds, err := o.sessionCredentials(ctx, sc)
	if err != nil {
		return outcomeError, err
	}
	if creds == nil {
		return outcomeNoCredentials, nil
	}

	cfg := sc.record.StrategyConfig
	balance, err := sc.client.AccountBalance(ctx, creds)
	if err != nil {
		return outcomeError, fmt.Errorf("account balance: %w", err)
	}
	positions, err := sc.client.Positions(ctx, creds, cfg.Symbol)
	if err != nil {
		return outcomeError, fmt.Errorf("positions: %w", err)
	}
	candles, err := sc.client.HistoricalCandles(ctx, cfg.Symbol, cfg.Timeframe, cfg.CandleLimit)
	if err != nil {
		return outcomeError, fmt.Errorf("candles: %w", err)
	}
	if len(candles) == 0 {
		sc.logger.Debug("No market data, skipping tick")
		return outcomeNoData, nil
	}

	assessment := sc.est.EvaluateCandles(candles)
	signal, err := sc.executor.Evaluate(candles)
	if err != nil {
		return outcomeError, fmt.Errorf("evaluate %s: %w", sc.executor.Name(), err)
	}
	signal = o.gate(sc, signal, assessment)

	now := o.clock.Now().UTC()
	pos := netPosition(positions, cfg.Symbol)
	m := &sc.record.Metrics
	observeBalance(m, balance.Total)
	m.LastSignal = string(signal.Type)
	m.LastPrice = candles[len(candles)-1].Close
	m.LastConfidence = assessment.Confidence
	m.LastRegime = string(assessment.Regime)
	m.TicksProcessed++
	m.UpdatedAt = now

	outcome := outcomeOK
	state := database.PositionState{
		Symbol:        cfg.Symbol,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		UpdatedAt:     now,
	}

	if signal.Actionable() {
		if ok, reason := sc.breaker.Allow(); !ok {
			sc.logger.Info("Signal held by circuit breaker", "signal", string(signal.Type), "reason", reason)
			m.LastSignal = string(strategy.SignalHold)
		} else {
			res, err := o.submit(ctx, sc, creds, signal, pos, balance.Total)
			if err != nil {
				return outcomeError, err
			}
			if res != nil {
				outcome = outcomeTraded
				state = applyFill(state, res, now)
				o.emit(events.EventTradeExecuted, id, map[string]interface{}{
					"symbol":     cfg.Symbol,
					"side":       string(res.Side),
					"quantity":   res.FilledQty,
					"price":      res.AvgPrice,
					"order_id":   res.OrderID,
					"reason":     signal.Reason,
					"confidence": assessment.Confidence,
					"regime":     string(assessment.Regime),
					"mode":       string(sc.record.Mode),
				})
			}
		}
	}
	sc.record.PositionState = state

	if err := o.store.UpdateSessionMetrics(ctx, id, *m); err != nil {
		return outcome, faults.Transient("update_metrics", err)
	}
	if err := o.store.UpdatePositionState(ctx, id, state); err != nil {
		return outcome, faults.Transient("update_position", err)
	}
	if err := o.store.UpdateHeartbeat(ctx, id, now); err != nil {
		return outcome, faults.Transient("update_heartbeat", err)
	}
	sc.record.LastHeartbeatAt = &now
	return outcome, nil
}

// sessionCredentials returns the context's keys, looking them up again
// for a session that was attached before its user stored any. A nil
// result with a nil error means there are still none.
func (o *Orchestrator) sessionCredentials(ctx context.Context, sc *sessionContext) (*exchange.Credentials, error) {
	if creds := sc.credentials(); creds != nil {
		return creds, nil
	}
	creds, err := o.creds.GetCredentials(ctx, sc.record.UserID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if !creds.Valid() {
		sc.logger.Debug("No credentials stored yet, skipping tick")
		return nil, nil
	}
	sc.setCredentials(creds)
	sc.logger.Info("Credentials found, session resumes trading")
	return creds, nil
}

// gate holds actionable signals the estimator does not back: a BREAKDOWN
// regime or confidence below the session's floor.
func (o *Orchestrator) gate(sc *sessionContext, sig *strategy.Signal, a estimator.Assessment) *strategy.Signal {
	if sig == nil {
		return &strategy.Signal{Type: strategy.SignalHold, Symbol: sc.record.StrategyConfig.Symbol, Reason: "no signal"}
	}
	if !sig.Actionable() {
		return sig
	}
	floor := o.cfg.MinConfidence
	if c := sc.record.StrategyConfig.MinConfidence; c > 0 {
		floor = c
	}

	var reason string
	switch {
	case a.Regime == estimator.RegimeBreakdown:
		reason = "regime breakdown"
	case a.Confidence < floor:
		reason = fmt.Sprintf("confidence %.3f below %.3f", a.Confidence, floor)
	default:
		return sig
	}
	held := *sig
	held.Type = strategy.SignalHold
	held.Size = 0
	held.Reason = fmt.Sprintf("%s (was %s: %s)", reason, sig.Type, sig.Reason)
	sc.logger.Debug("Signal gated", "reason", reason, "regime", string(a.Regime), "confidence", a.Confidence)
	return &held
}

// submit sizes and places the order under the account lock. A nil result
// with a nil error means the position limit left nothing to trade.
func (o *Orchestrator) submit(ctx context.Context, sc *sessionContext, creds *exchange.Credentials, sig *strategy.Signal, pos exchange.Position, balance float64) (*exchange.OrderResult, error) {
	cfg := sc.record.StrategyConfig
	side := exchange.SideBuy
	dir := 1.0
	if sig.Type == strategy.SignalSell {
		side = exchange.SideSell
		dir = -1.0
	}

	qty := cfg.OrderQuantity * sig.Size
	if limit := sc.record.RiskConfig.MaxPositionQty; limit > 0 {
		room := limit - pos.Quantity*dir
		if room <= qtyEpsilon {
			sc.logger.Info("Position limit reached, order skipped", "quantity", pos.Quantity, "limit", limit)
			return nil, nil
		}
		qty = math.Min(qty, room)
	}

	unlock := o.locks.Lock(sc.record.UserID)
	res, err := sc.client.PlaceOrder(ctx, creds, exchange.OrderSpec{
		Symbol:        cfg.Symbol,
		Side:          side,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("place %s order: %w", side, err)
	}

	o.metrics.TradesExecuted.WithLabelValues(string(side)).Inc()
	m := &sc.record.Metrics
	m.TotalTrades++
	m.LastTradeAt = res.Timestamp

	if pnl, closed := realized(pos, res); closed {
		m.RealizedPnL += pnl
		if pnl > 0 {
			m.WinningTrades++
			m.GrossProfit += pnl
		} else {
			m.LosingTrades++
			m.GrossLoss -= pnl
		}
		if balance > 0 {
			sc.breaker.RecordTrade(pnl / balance * 100)
		}
	}
	sc.logger.Info("Order filled",
		"side", string(side),
		"quantity", res.FilledQty,
		"price", res.AvgPrice,
		"order_id", res.OrderID)
	return res, nil
}

func netPosition(positions []exchange.Position, symbol string) exchange.Position {
	out := exchange.Position{Symbol: symbol}
	for _, p := range positions {
		if p.Symbol == symbol {
			out = p
		}
	}
	return out
}

// realized is the PnL of the part of pos that res closed.
func realized(pos exchange.Position, res *exchange.OrderResult) (float64, bool) {
	if pos.Quantity == 0 || res.FilledQty <= 0 {
		return 0, false
	}
	long := pos.Quantity > 0
	if long == (res.Side == exchange.SideBuy) {
		return 0, false
	}
	closed := math.Min(res.FilledQty, math.Abs(pos.Quantity))
	pnl := (res.AvgPrice - pos.EntryPrice) * closed
	if !long {
		pnl = -pnl
	}
	return pnl, true
}

// applyFill advances the stored position by one fill.
func applyFill(p database.PositionState, res *exchange.OrderResult, at time.Time) database.PositionState {
	signed := res.FilledQty
	if res.Side == exchange.SideSell {
		signed = -signed
	}
	next := p.Quantity + signed
	switch {
	case math.Abs(next) < qtyEpsilon:
		p.Quantity, p.EntryPrice = 0, 0
	case p.Quantity == 0 || (p.Quantity > 0) != (next > 0):
		p.Quantity, p.EntryPrice = next, res.AvgPrice
	case math.Abs(next) > math.Abs(p.Quantity):
		p.EntryPrice = (p.EntryPrice*math.Abs(p.Quantity) + res.AvgPrice*math.Abs(signed)) / math.Abs(next)
		p.Quantity = next
	default:
		p.Quantity = next
	}
	p.UnrealizedPnL = 0
	p.UpdatedAt = at
	return p
}

func observeBalance(m *database.PerformanceMetrics, balance float64) {
	m.LastBalance = balance
	if m.StartBalance == 0 {
		m.StartBalance = balance
	}
	if balance > m.PeakBalance {
		m.PeakBalance = balance
	}
	if m.PeakBalance > 0 {
		if dd := (m.PeakBalance - balance) / m.PeakBalance; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
}

// paperPerformance converts session metrics into a lifecycle result.
func paperPerformance(rec *database.TradingSession, now time.Time) lifecycle.Performance {
	m := rec.Metrics
	perf := lifecycle.Performance{
		WinRate:      m.WinRate(),
		ProfitFactor: m.ProfitFactor(),
		MaxDrawdown:  m.MaxDrawdown,
		Trades:       m.WinningTrades + m.LosingTrades,
		Duration:     now.Sub(rec.StartedAt),
	}
	if m.StartBalance > 0 {
		perf.TotalReturn = (m.LastBalance - m.StartBalance) / m.StartBalance
	}
	return perf
}

// flush persists the final metrics and, for paper sessions tied to a
// lifecycle strategy, reports their performance. Best effort.
func (o *Orchestrator) flush(ctx context.Context, sc *sessionContext) {
	rec := sc.record
	if err := o.store.UpdateSessionMetrics(ctx, rec.ID, rec.Metrics); err != nil {
		sc.logger.Warn("Final metrics flush failed", "error", err.Error())
		o.metrics.RecordError(source, err)
	}
	if rec.Mode != database.ModePaper || rec.StrategyID == "" || o.sink == nil {
		return
	}
	perf := paperPerformance(rec, o.clock.Now().UTC())
	if err := o.sink.RecordPaperResult(ctx, rec.StrategyID, perf); err != nil {
		sc.logger.Warn("Paper result not recorded", "strategy_id", rec.StrategyID, "error", err.Error())
		return
	}
	sc.logger.Info("Paper result recorded",
		"strategy_id", rec.StrategyID,
		"trades", perf.Trades,
		"win_rate", perf.WinRate)
}
