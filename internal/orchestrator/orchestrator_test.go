package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"trading-autopilot/internal/database"
	"trading-autopilot/internal/estimator"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/scheduler"
	"trading-autopilot/internal/strategy"
	"trading-autopilot/internal/vault"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func flatCandles(n int, price float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		open := t0.Add(time.Duration(i-n) * time.Minute)
		out[i] = exchange.Candle{
			OpenTime:  open,
			CloseTime: open.Add(time.Minute - time.Millisecond),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 10,
		}
	}
	return out
}

// scriptedExecutor replays a fixed list of signals; the last one repeats.
type scriptedExecutor struct {
	mu      sync.Mutex
	signals []strategy.SignalType
	i       int
	panics  bool
}

func (s *scriptedExecutor) Name() string { return "scripted" }

func (s *scriptedExecutor) Evaluate(candles []exchange.Candle) (*strategy.Signal, error) {
	if s.panics {
		panic("executor exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	typ := s.signals[min(s.i, len(s.signals)-1)]
	s.i++
	return &strategy.Signal{
		Type:   typ,
		Price:  candles[len(candles)-1].Close,
		Size:   1,
		Reason: "scripted",
	}, nil
}

// blockingClient instruments AccountBalance: it records concurrency and can
// hold the caller until release is closed.
type blockingClient struct {
	*exchange.PaperClient
	entered     chan struct{}
	release     chan struct{}
	delay       time.Duration
	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (b *blockingClient) AccountBalance(ctx context.Context, creds *exchange.Credentials) (*exchange.Balance, error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		m := b.maxInflight.Load()
		if n <= m || b.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls.Add(1)
	if b.entered != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return b.PaperClient.AccountBalance(ctx, creds)
}

type harness struct {
	o       *Orchestrator
	store   *database.MemoryStore
	paper   *exchange.PaperClient
	vault   *vault.Client
	bus     *events.Bus
	metrics *observability.Metrics
	clock   *scheduler.ManualClock
	execs   map[string]*scriptedExecutor
}

type harnessOption func(*harness, *Config, *[]Option)

func withClient(wrap func(*exchange.PaperClient) exchange.Client) harnessOption {
	return func(h *harness, _ *Config, opts *[]Option) {
		*opts = append(*opts, func(o *Orchestrator) { o.live = wrap(h.paper) })
	}
}

func withGrace(d time.Duration) harnessOption {
	return func(_ *harness, cfg *Config, _ *[]Option) { cfg.ShutdownGrace = d }
}

// permissiveEstimator never classifies BREAKDOWN so scripted signals pass
// the gate.
func permissiveEstimator() estimator.Config {
	cfg := estimator.DefaultConfig()
	cfg.Thresholds.BreakdownVolatility = 1e9
	cfg.Thresholds.BreakdownPurity = -1
	cfg.Thresholds.BreakdownIntegration = -1
	return cfg
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   database.NewMemoryStore(),
		paper:   exchange.NewPaperClient(exchange.DefaultPaperConfig(), nil),
		vault:   vault.NewMemoryClient(),
		bus:     events.NewBus(),
		metrics: observability.NewMetrics("test"),
		clock:   scheduler.NewManualClock(t0),
		execs: map[string]*scriptedExecutor{
			"BTCUSDT": {signals: []strategy.SignalType{strategy.SignalBuy}},
			"ETHUSDT": {signals: []strategy.SignalType{strategy.SignalBuy}},
		},
	}
	t.Cleanup(h.bus.Close)
	h.paper.SetCandles("BTCUSDT", flatCandles(150, 100))
	h.paper.SetCandles("ETHUSDT", flatCandles(150, 50))
	require.NoError(t, h.vault.StoreCredentials(ctx, "u1", exchange.Credentials{APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, h.vault.StoreCredentials(ctx, "u2", exchange.Credentials{APIKey: "k2", APISecret: "s2"}))

	cfg := Config{TickInterval: time.Second, MaxConcurrentSessions: 4, ShutdownGrace: time.Second}
	opts := []Option{
		WithPaperClient(h.paper),
		WithEvents(h.bus),
		WithMetrics(h.metrics),
		WithLogger(logging.Nop()),
		WithClock(h.clock),
		WithEstimatorConfig(permissiveEstimator()),
		WithExecutorFactory(func(symbol string, _ strategy.Params) (strategy.Executor, error) {
			e, ok := h.execs[symbol]
			if !ok {
				return nil, errors.New("no executor for " + symbol)
			}
			return e, nil
		}),
	}
	for _, ho := range hopts {
		ho(h, &cfg, &opts)
	}
	h.o = New(cfg, h.store, h.vault, h.paper, opts...)
	return h
}

// arm prepares the worker group without starting the loop so tests can
// drive ticks by hand.
func (h *harness) arm() {
	g := &errgroup.Group{}
	g.SetLimit(h.o.cfg.MaxConcurrentSessions)
	h.o.mu.Lock()
	h.o.workers, h.o.runCtx = g, context.Background()
	h.o.mu.Unlock()
}

func (h *harness) tick() {
	h.o.tick(context.Background())
	h.wait()
}

func (h *harness) wait() {
	h.o.mu.RLock()
	g := h.o.workers
	h.o.mu.RUnlock()
	_ = g.Wait()
}

func (h *harness) startSession(t *testing.T, userID, symbol string) string {
	t.Helper()
	id, err := h.o.StartSession(context.Background(), userID, strategy.Config{
		Symbol:        symbol,
		OrderQuantity: 0.01,
		Params:        strategy.DefaultParams(strategy.AlgoSMACrossover),
	}, nil, "")
	require.NoError(t, err)
	return id
}

func (h *harness) session(t *testing.T, id string) *database.TradingSession {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestTick_ExecutesTradeAndPersists(t *testing.T) {
	h := newHarness(t)
	h.arm()
	sub := h.bus.Subscribe(8, events.EventTradeExecuted)
	id := h.startSession(t, "u1", "BTCUSDT")

	h.tick()

	creds := &exchange.Credentials{APIKey: "k1", APISecret: "s1"}
	assert.Equal(t, 1, h.paper.OrderCount(creds))

	ev := nextEvent(t, sub)
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, "BUY", ev.Data["side"])

	s := h.session(t, id)
	require.NotNil(t, s.LastHeartbeatAt)
	assert.Equal(t, t0, *s.LastHeartbeatAt)
	assert.Equal(t, 1, s.Metrics.TotalTrades)
	assert.Equal(t, "BUY", s.Metrics.LastSignal)
	assert.Equal(t, 100.0, s.Metrics.LastPrice)
	assert.EqualValues(t, 1, s.Metrics.TicksProcessed)
	assert.InDelta(t, 0.01, s.PositionState.Quantity, 1e-12)
	assert.Equal(t, 100.0, s.PositionState.EntryPrice)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TradesExecuted.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionTicks.WithLabelValues(outcomeTraded)))
}

func TestTick_HoldPersistsWithoutOrder(t *testing.T) {
	h := newHarness(t)
	h.arm()
	h.execs["BTCUSDT"].signals = []strategy.SignalType{strategy.SignalHold}
	id := h.startSession(t, "u1", "BTCUSDT")

	h.tick()

	assert.Equal(t, 0, h.paper.OrderCount(&exchange.Credentials{APIKey: "k1", APISecret: "s1"}))
	s := h.session(t, id)
	assert.Equal(t, "HOLD", s.Metrics.LastSignal)
	assert.Equal(t, 10000.0, s.Metrics.LastBalance)
	assert.NotNil(t, s.LastHeartbeatAt)
}

func TestTick_BusySessionSkipped(t *testing.T) {
	var bc *blockingClient
	h := newHarness(t, withClient(func(p *exchange.PaperClient) exchange.Client {
		bc = &blockingClient{PaperClient: p, entered: make(chan struct{}, 1), release: make(chan struct{})}
		return bc
	}))
	h.arm()
	h.startSession(t, "u1", "BTCUSDT")

	h.o.tick(context.Background())
	select {
	case <-bc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never reached the exchange")
	}

	h.o.tick(context.Background())
	h.o.tick(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SessionsSkippedBusy))
	assert.Equal(t, []SessionStatus{}, filterIdle(h.o.Sessions()))

	close(bc.release)
	h.wait()
	assert.EqualValues(t, 1, bc.calls.Load())

	h.tick()
	assert.EqualValues(t, 2, bc.calls.Load(), "busy flag must clear after the tick")
}

func filterIdle(in []SessionStatus) []SessionStatus {
	out := []SessionStatus{}
	for _, s := range in {
		if !s.Busy {
			out = append(out, s)
		}
	}
	return out
}

func TestTick_NoOverlappingExecutionsPerSession(t *testing.T) {
	var bc *blockingClient
	h := newHarness(t, withClient(func(p *exchange.PaperClient) exchange.Client {
		bc = &blockingClient{PaperClient: p, delay: 2 * time.Millisecond}
		return bc
	}))
	h.arm()
	h.execs["BTCUSDT"].signals = []strategy.SignalType{strategy.SignalHold}
	h.startSession(t, "u1", "BTCUSDT")

	const tickers, rounds = 20, 10
	var wg sync.WaitGroup
	for i := 0; i < tickers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				h.o.tick(context.Background())
			}
		}()
	}
	wg.Wait()
	h.wait()

	assert.EqualValues(t, 1, bc.maxInflight.Load())
	skipped := testutil.ToFloat64(h.metrics.SessionsSkippedBusy)
	assert.Equal(t, float64(tickers*rounds), float64(bc.calls.Load())+skipped)
}

func TestTick_FailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.arm()
	h.execs["ETHUSDT"].panics = true
	sub := h.bus.Subscribe(8, events.EventError)

	good := h.startSession(t, "u1", "BTCUSDT")
	bad := h.startSession(t, "u2", "ETHUSDT")

	h.tick()

	ev := nextEvent(t, sub)
	assert.Equal(t, bad, ev.SessionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionTicks.WithLabelValues(outcomePanic)))

	assert.Equal(t, 1, h.session(t, good).Metrics.TotalTrades)
	badRow := h.session(t, bad)
	assert.Equal(t, 1, badRow.Metrics.ErrorCount)
	assert.Contains(t, badRow.Metrics.LastError, "executor exploded")

	// the failing session is retried on the next tick, the good one keeps going
	h.tick()
	assert.Equal(t, 2, h.session(t, good).Metrics.TotalTrades)
	assert.Equal(t, 2, h.session(t, bad).Metrics.ErrorCount)
	assert.Len(t, h.o.Sessions(), 2)
}

func TestTick_TransientBalanceFailureSkips(t *testing.T) {
	h := newHarness(t)
	h.arm()
	sub := h.bus.Subscribe(8, events.EventError)
	id := h.startSession(t, "u1", "BTCUSDT")

	var failures atomic.Int32
	h.paper.Fail = func(op string) error {
		if op == "account_balance" {
			failures.Add(1)
			return faults.Transient("account_balance", errors.New("connection reset by peer"))
		}
		return nil
	}

	h.tick()
	h.tick()

	assert.EqualValues(t, 2, failures.Load())
	assert.Equal(t, 0, h.paper.OrderCount(&exchange.Credentials{APIKey: "k1", APISecret: "s1"}))
	assert.Nil(t, h.session(t, id).LastHeartbeatAt)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues(source, string(faults.CategoryTransient))))
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, sub)
		assert.Equal(t, events.EventError, ev.Type)
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, string(faults.CategoryTransient), ev.Data["category"])
		assert.Contains(t, ev.Data["error"], "connection reset by peer")
	}
	assert.True(t, h.session(t, id).IsActive)
}

func TestTick_WaitsForCredentialsStoredAfterLoad(t *testing.T) {
	h := newHarness(t)
	h.arm()
	ctx := context.Background()
	require.NoError(t, h.store.CreateSession(ctx, &database.TradingSession{
		ID: "s-u3", UserID: "u3", Mode: database.ModeLive, IsActive: true, StartedAt: t0,
		StrategyConfig: strategy.Config{Symbol: "ETHUSDT", OrderQuantity: 0.01, Params: strategy.DefaultParams(strategy.AlgoSMACrossover)},
	}))

	loaded, awaiting, skipped, err := h.o.loadSessions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, 1, awaiting)
	assert.Equal(t, 0, skipped)
	require.Len(t, h.o.Sessions(), 1)
	assert.True(t, h.o.Sessions()[0].AwaitingCredentials)

	h.tick()
	h.tick()
	assert.Nil(t, h.session(t, "s-u3").LastHeartbeatAt)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SessionTicks.WithLabelValues(outcomeNoCredentials)))

	// no refresh call: the next tick finds the keys on its own
	require.NoError(t, h.vault.StoreCredentials(ctx, "u3", exchange.Credentials{APIKey: "k3", APISecret: "s3"}))
	h.tick()

	assert.NotNil(t, h.session(t, "s-u3").LastHeartbeatAt)
	require.Len(t, h.o.Sessions(), 1)
	assert.False(t, h.o.Sessions()[0].AwaitingCredentials)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SessionTicks.WithLabelValues(outcomeNoCredentials)))
}

func TestTick_NonRetryableErrorInvalidatesCredentials(t *testing.T) {
	var bc *blockingClient
	h := newHarness(t, withClient(func(p *exchange.PaperClient) exchange.Client {
		bc = &blockingClient{PaperClient: p}
		return bc
	}))
	h.arm()
	id := h.startSession(t, "u1", "BTCUSDT")

	h.paper.Fail = func(op string) error {
		if op == "place_order" {
			return faults.NewExchangeError(op, -2015, "Invalid API-key", faults.ErrAuth)
		}
		return nil
	}
	h.tick()

	require.Len(t, h.o.Sessions(), 1)
	assert.True(t, h.o.Sessions()[0].CredentialsInvalid)
	assert.EqualValues(t, 1, bc.calls.Load())

	// paused, not deleted
	h.tick()
	assert.EqualValues(t, 1, bc.calls.Load())
	assert.True(t, h.session(t, id).IsActive)

	h.paper.Fail = nil
	n, err := h.o.RefreshCredentials(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.o.Sessions()[0].CredentialsInvalid)

	h.tick()
	assert.EqualValues(t, 2, bc.calls.Load())
	assert.Equal(t, 1, h.paper.OrderCount(&exchange.Credentials{APIKey: "k1", APISecret: "s1"}))
}

func TestTick_PositionLimit(t *testing.T) {
	h := newHarness(t)
	h.arm()
	id, err := h.o.StartSession(context.Background(), "u1", strategy.Config{
		Symbol:        "BTCUSDT",
		OrderQuantity: 0.01,
		Params:        strategy.DefaultParams(strategy.AlgoSMACrossover),
	}, &database.RiskConfig{MaxPositionQty: 0.015}, "capped")
	require.NoError(t, err)

	h.tick()
	h.tick()
	h.tick()

	s := h.session(t, id)
	assert.InDelta(t, 0.015, s.PositionState.Quantity, 1e-12)
	assert.Equal(t, 2, s.Metrics.TotalTrades)
}

func TestGate(t *testing.T) {
	h := newHarness(t)
	sc := &sessionContext{
		record: &database.TradingSession{StrategyConfig: strategy.Config{Symbol: "BTCUSDT"}},
		logger: logging.Nop(),
	}
	h.o.cfg.MinConfidence = 0.4
	buy := &strategy.Signal{Type: strategy.SignalBuy, Size: 1, Reason: "cross"}

	out := h.o.gate(sc, buy, estimator.Assessment{Regime: estimator.RegimeGeometric, Confidence: 0.5})
	assert.Equal(t, strategy.SignalBuy, out.Type)

	out = h.o.gate(sc, buy, estimator.Assessment{Regime: estimator.RegimeBreakdown, Confidence: 0.9})
	assert.Equal(t, strategy.SignalHold, out.Type)
	assert.Contains(t, out.Reason, "regime breakdown")
	assert.False(t, out.Actionable())

	out = h.o.gate(sc, buy, estimator.Assessment{Regime: estimator.RegimeLinear, Confidence: 0.3})
	assert.Equal(t, strategy.SignalHold, out.Type)
	assert.Contains(t, out.Reason, "confidence")

	// a session floor overrides the orchestrator default
	sc.record.StrategyConfig.MinConfidence = 0.8
	out = h.o.gate(sc, buy, estimator.Assessment{Regime: estimator.RegimeLinear, Confidence: 0.5})
	assert.Equal(t, strategy.SignalHold, out.Type)

	assert.Equal(t, strategy.SignalBuy, buy.Type, "gate must not mutate its input")
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "u1", strategy.Config{
		OrderQuantity: 1,
		Params:        strategy.DefaultParams(strategy.AlgoSMACrossover),
	}, nil, "")
	var verr *faults.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)

	_, err = h.o.StartSession(ctx, "nobody", strategy.Config{
		Symbol:        "BTCUSDT",
		OrderQuantity: 1,
		Params:        strategy.DefaultParams(strategy.AlgoSMACrossover),
	}, nil, "")
	require.ErrorIs(t, err, ErrNoCredentials)

	active, err := h.store.LoadActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStopSession(t *testing.T) {
	h := newHarness(t)
	h.arm()
	sub := h.bus.Subscribe(8, events.EventSessionStarted, events.EventSessionStopped)
	ctx := context.Background()

	id := h.startSession(t, "u1", "BTCUSDT")
	assert.Equal(t, events.EventSessionStarted, nextEvent(t, sub).Type)
	h.tick()

	h.clock.Advance(time.Minute)
	require.NoError(t, h.o.StopSession(ctx, id))
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventSessionStopped, ev.Type)
	assert.Equal(t, id, ev.SessionID)

	s := h.session(t, id)
	assert.False(t, s.IsActive)
	require.NotNil(t, s.StoppedAt)
	assert.Equal(t, t0.Add(time.Minute), *s.StoppedAt)
	assert.Empty(t, h.o.Sessions())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveSessions))

	assert.ErrorIs(t, h.o.StopSession(ctx, "missing"), ErrSessionNotFound)
}

func TestPaperSession_ReportsPerformanceOnStop(t *testing.T) {
	ctx := context.Background()
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore(), lifecycle.DefaultConfig(), lifecycle.WithLogger(logging.Nop()))
	raw, err := json.Marshal(strategy.DefaultParams(strategy.AlgoSMACrossover))
	require.NoError(t, err)
	s, err := mgr.Record(ctx, lifecycle.Candidate{Symbol: "BTCUSDT", Timeframe: "15m", Parameters: raw})
	require.NoError(t, err)
	_, err = mgr.ApplyBacktestResult(ctx, s.ID, lifecycle.BacktestResult{
		Performance: lifecycle.Performance{WinRate: 0.6, ProfitFactor: 1.8, Sharpe: 1.2, MaxDrawdown: 0.1, Trades: 40},
	})
	require.NoError(t, err)
	d, err := mgr.PromoteToPaper(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, d.Approved, d.Reason)
	s, err = mgr.Get(ctx, s.ID)
	require.NoError(t, err)

	h := newHarness(t, func(_ *harness, _ *Config, opts *[]Option) {
		*opts = append(*opts, WithPerformanceSink(mgr))
	})
	h.arm()
	h.execs["BTCUSDT"].signals = []strategy.SignalType{strategy.SignalBuy, strategy.SignalSell}

	id, err := h.o.StartPaperSession(ctx, "u1", s, 0.01, nil)
	require.NoError(t, err)
	assert.Equal(t, database.ModePaper, h.session(t, id).Mode)

	h.tick()
	h.paper.SetCandles("BTCUSDT", flatCandles(150, 110))
	h.clock.Advance(2 * time.Hour)
	h.tick()

	row := h.session(t, id)
	assert.Equal(t, 1, row.Metrics.WinningTrades)
	assert.InDelta(t, 0.1, row.Metrics.RealizedPnL, 1e-9)
	assert.Equal(t, 0.0, row.PositionState.Quantity)

	require.NoError(t, h.o.StopSession(ctx, id))
	got, err := mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PaperPerformance)
	assert.Equal(t, 1, got.PaperPerformance.Trades)
	assert.Equal(t, 1.0, got.PaperPerformance.WinRate)
	assert.Equal(t, 2*time.Hour, got.PaperPerformance.Duration)
}

func TestStartPaperSession_RequiresPaperStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.StartPaperSession(context.Background(), "u1", &lifecycle.Strategy{
		ID:     "s1",
		Status: lifecycle.StatusBacktested,
	}, 1, nil)
	var verr *faults.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStartStop_ResumesActiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(8, events.EventStarted, events.EventStopped)

	for _, row := range []*database.TradingSession{
		{ID: "s-u1", UserID: "u1", Mode: database.ModeLive, IsActive: true, StartedAt: t0,
			StrategyConfig: strategy.Config{Symbol: "BTCUSDT", OrderQuantity: 0.01, Params: strategy.DefaultParams(strategy.AlgoSMACrossover)}},
		{ID: "s-u3", UserID: "u3", Mode: database.ModeLive, IsActive: true, StartedAt: t0,
			StrategyConfig: strategy.Config{Symbol: "ETHUSDT", OrderQuantity: 0.01, Params: strategy.DefaultParams(strategy.AlgoSMACrossover)}},
	} {
		require.NoError(t, h.store.CreateSession(ctx, row))
	}

	require.NoError(t, h.o.Start(ctx))
	assert.True(t, h.o.Running())
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventStarted, ev.Type)
	assert.Equal(t, 1, ev.Data["sessions"])
	assert.Equal(t, 1, ev.Data["awaiting_credentials"])
	assert.Equal(t, 0, ev.Data["skipped"])
	assert.Len(t, h.o.Sessions(), 2)

	// the immediate tick runs without advancing the clock
	require.Eventually(t, func() bool {
		s, err := h.store.GetSession(ctx, "s-u1")
		return err == nil && s.LastHeartbeatAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, h.o.Start(ctx))

	require.NoError(t, h.o.Stop(ctx))
	assert.False(t, h.o.Running())
	assert.Equal(t, events.EventStopped, nextEvent(t, sub).Type)
	assert.Empty(t, h.o.Sessions())
	assert.True(t, h.session(t, "s-u1").IsActive, "rows stay active for the next start")
	assert.Equal(t, 0, h.clock.ActiveTickers())

	// credentials appear later; refresh hands them to the waiting session
	require.NoError(t, h.o.Start(ctx))
	require.NoError(t, h.vault.StoreCredentials(ctx, "u3", exchange.Credentials{APIKey: "k3", APISecret: "s3"}))
	n, err := h.o.RefreshCredentials(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.o.Sessions(), 2)
	require.NoError(t, h.o.Stop(ctx))
}

func TestStop_ForcedTeardownAfterGrace(t *testing.T) {
	var bc *blockingClient
	h := newHarness(t, withGrace(50*time.Millisecond), withClient(func(p *exchange.PaperClient) exchange.Client {
		bc = &blockingClient{PaperClient: p, entered: make(chan struct{}, 1), release: make(chan struct{})}
		return bc
	}))
	ctx := context.Background()
	h.startSession(t, "u1", "BTCUSDT")
	require.NoError(t, h.o.Start(ctx))

	select {
	case <-bc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never started")
	}

	started := time.Now()
	err := h.o.Stop(ctx)
	require.ErrorIs(t, err, scheduler.ErrForcedTeardown)
	assert.Less(t, time.Since(started), time.Second)

	// the cancelled tick unwinds on its own
	require.Eventually(t, func() bool { return bc.inflight.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAccountLocks(t *testing.T) {
	locks := NewAccountLocks()
	unlock := locks.Lock("acct")

	_, ok := locks.TryLock("acct")
	assert.False(t, ok)
	other, ok := locks.TryLock("other")
	require.True(t, ok)
	other()

	unlock()
	again, ok := locks.TryLock("acct")
	require.True(t, ok)
	again()
}
