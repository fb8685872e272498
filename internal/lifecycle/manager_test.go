package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/events"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/strategy"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *testClock, *events.Bus) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := NewManager(NewMemoryStore(), DefaultConfig(),
		WithClock(clock.Now), WithEvents(bus), WithLogger(logging.Nop()))
	return m, clock, bus
}

func paramsJSON(t *testing.T, p strategy.Params) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func candidate(t *testing.T, algo strategy.Algorithm) Candidate {
	return Candidate{
		Symbol:     "BTCUSDT",
		Timeframe:  "15m",
		Parameters: paramsJSON(t, strategy.DefaultParams(algo)),
	}
}

var goodBacktest = Performance{WinRate: 0.6, ProfitFactor: 1.8, Sharpe: 1.2, MaxDrawdown: 0.1, Trades: 40}

func TestRecord_Valid(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.Record(context.Background(), candidate(t, strategy.AlgoSMACrossover))
	require.NoError(t, err)
	assert.Equal(t, StatusGenerated, s.Status)
	assert.Equal(t, KindSingle, s.Kind)
	assert.Equal(t, []string{"sma_fast", "sma_slow"}, s.Indicators)
	assert.NotEmpty(t, s.Name)

	got, err := m.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestRecord_RejectsMalformedParameters(t *testing.T) {
	m, _, _ := newTestManager(t)
	c := candidate(t, strategy.AlgoSMACrossover)
	c.Parameters = json.RawMessage(`{"schema_version":1,"algorithm":"sma_crossover","sma_crossover":{"fast_period":50,"slow_period":10}}`)

	_, err := m.Record(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, faults.CategoryValidation, faults.Classify(err))

	all, err := m.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecord_ComboNeedsParents(t *testing.T) {
	m, _, _ := newTestManager(t)
	c := candidate(t, strategy.AlgoRSIReversion)
	c.Kind = KindCombo
	c.ParentIDs = []string{"only-one"}
	_, err := m.Record(context.Background(), c)
	assert.Equal(t, faults.CategoryValidation, faults.Classify(err))
}

func TestPromote_GeneratedToLiveRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.Record(ctx, candidate(t, strategy.AlgoSMACrossover))
	require.NoError(t, err)

	d, err := m.PromoteToLive(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "guard violation")
	assert.Equal(t, StatusGenerated, d.From)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGenerated, got.Status)
}

func TestFullLifecycle(t *testing.T) {
	m, clock, bus := newTestManager(t)
	ctx := context.Background()
	sub := bus.Subscribe(16, events.EventStrategyPromoted, events.EventStrategyRetired)

	s, err := m.Record(ctx, candidate(t, strategy.AlgoMACDMomentum))
	require.NoError(t, err)

	s, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Performance: goodBacktest})
	require.NoError(t, err)
	assert.Equal(t, StatusBacktested, s.Status)
	assert.Greater(t, s.Fitness, 0.55)
	require.NotNil(t, s.BacktestedAt)

	d, err := m.PromoteToPaper(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, d.Approved, d.Reason)

	require.NoError(t, m.RecordPaperResult(ctx, s.ID, Performance{WinRate: 0.6, ProfitFactor: 1.5, Trades: 35}))

	d, err = m.PromoteToLive(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "paper trading ran")

	clock.Advance(73 * time.Hour)
	d, err = m.PromoteToLive(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, d.Approved, d.Reason)

	s, err = m.Retire(ctx, s.ID, "decayed")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, s.Status)
	require.NotNil(t, s.RetiredAt)

	// idempotent
	s, err = m.Retire(ctx, s.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "decayed", s.RetireReason)

	var got []events.EventType
	for len(got) < 3 {
		select {
		case ev := <-sub.C:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventStrategyPromoted, events.EventStrategyPromoted, events.EventStrategyRetired}, got)
}

func TestPromoteToLive_StricterFloors(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.Record(ctx, candidate(t, strategy.AlgoRSIReversion))
	require.NoError(t, err)
	_, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Performance: goodBacktest})
	require.NoError(t, err)
	d, err := m.PromoteToPaper(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, d.Approved)
	clock.Advance(100 * time.Hour)

	cases := []struct {
		perf   Performance
		reason string
	}{
		{Performance{WinRate: 0.7, ProfitFactor: 2, Trades: 10}, "paper trades"},
		{Performance{WinRate: 0.5, ProfitFactor: 2, Trades: 50}, "win rate"},
		{Performance{WinRate: 0.7, ProfitFactor: 1.1, Trades: 50}, "profit factor"},
	}
	for _, tc := range cases {
		require.NoError(t, m.RecordPaperResult(ctx, s.ID, tc.perf))
		d, err := m.PromoteToLive(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, d.Approved)
		assert.Contains(t, d.Reason, tc.reason)
	}
}

func TestPromoteToPaper_Guards(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	weak, err := m.Record(ctx, candidate(t, strategy.AlgoSMACrossover))
	require.NoError(t, err)
	_, err = m.ApplyBacktestResult(ctx, weak.ID, BacktestResult{Performance: Performance{WinRate: 0.3, ProfitFactor: 0.8, Sharpe: -0.5, MaxDrawdown: 0.4, Trades: 50}})
	require.NoError(t, err)
	d, err := m.PromoteToPaper(ctx, weak.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "fitness")

	few, err := m.Record(ctx, candidate(t, strategy.AlgoSMACrossover))
	require.NoError(t, err)
	perf := goodBacktest
	perf.Trades = 5
	_, err = m.ApplyBacktestResult(ctx, few.ID, BacktestResult{Performance: perf})
	require.NoError(t, err)
	d, err = m.PromoteToPaper(ctx, few.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "trades")
}

func TestRetire_FromGenerated(t *testing.T) {
	m, clock, bus := newTestManager(t)
	ctx := context.Background()
	sub := bus.Subscribe(4, events.EventStrategyRetired)
	s, err := m.Record(ctx, candidate(t, strategy.AlgoMACDMomentum))
	require.NoError(t, err)

	s, err = m.Retire(ctx, s.ID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, s.Status)
	assert.Equal(t, "superseded", s.RetireReason)
	require.NotNil(t, s.RetiredAt)
	assert.True(t, clock.Now().Equal(*s.RetiredAt))

	select {
	case ev := <-sub.C:
		assert.Equal(t, s.ID, ev.Data["strategy_id"])
	case <-time.After(time.Second):
		t.Fatal("no strategy-retired event")
	}

	_, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Performance: goodBacktest})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBacktestFailureMarksError(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.Record(ctx, candidate(t, strategy.AlgoSMACrossover))
	require.NoError(t, err)

	s, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Err: errors.New("no candles")})
	require.NoError(t, err)
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, "no candles", s.ErrorMessage)

	_, err = m.Retire(ctx, s.ID, "cleanup")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Performance: goodBacktest})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusGenerated, StatusBacktested))
	assert.False(t, CanTransition(StatusGenerated, StatusLive))
	assert.False(t, CanTransition(StatusGenerated, StatusPaperTrading))
	assert.False(t, CanTransition(StatusBacktested, StatusLive))
	assert.True(t, CanTransition(StatusLive, StatusError))
	assert.True(t, CanTransition(StatusGenerated, StatusRetired))
	assert.False(t, CanTransition(StatusRetired, StatusGenerated))
	assert.False(t, CanTransition(StatusRetired, StatusError))
	assert.False(t, CanTransition(StatusError, StatusRetired))
}

func TestFitness(t *testing.T) {
	base := Performance{WinRate: 0.5, ProfitFactor: 1.2, Sharpe: 0.5, MaxDrawdown: 0.2}
	f := Fitness(base)
	assert.True(t, f > 0 && f < 1)

	better := base
	better.WinRate = 0.6
	assert.Greater(t, Fitness(better), f)

	better = base
	better.ProfitFactor = 2
	assert.Greater(t, Fitness(better), f)

	worse := base
	worse.MaxDrawdown = 0.5
	assert.Less(t, Fitness(worse), f)

	assert.InDelta(t, 1.0, Fitness(Performance{WinRate: 1, ProfitFactor: 10, Sharpe: 5}), 1e-9)
	assert.InDelta(t, 0.0, Fitness(Performance{ProfitFactor: -1, Sharpe: -3, MaxDrawdown: 2}), 1e-9)
}

func TestStrategyClone_IsDeep(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orig := &Strategy{
		ID:          "s1",
		Parameters:  strategy.DefaultParams(strategy.AlgoRSIReversion),
		Indicators:  []string{"rsi"},
		ParentIDs:   []string{"p1", "p2"},
		Performance: &Performance{WinRate: 0.6, Trades: 40},
		RetiredAt:   &at,
		CreatedAt:   at,
	}
	c := orig.Clone()
	require.Equal(t, orig, c)

	c.Parameters.RSIReversion.Period = 99
	c.Indicators[0] = "x"
	c.ParentIDs[1] = "x"
	c.Performance.Trades = 1
	*c.RetiredAt = at.Add(time.Hour)

	assert.Equal(t, 14, orig.Parameters.RSIReversion.Period)
	assert.Equal(t, []string{"rsi"}, orig.Indicators)
	assert.Equal(t, []string{"p1", "p2"}, orig.ParentIDs)
	assert.Equal(t, 40, orig.Performance.Trades)
	assert.True(t, at.Equal(*orig.RetiredAt))

	var none *Strategy
	assert.Nil(t, none.Clone())
}

func mkStrategy(id string, algo strategy.Algorithm, fitness float64, mutate func(*strategy.Params)) *Strategy {
	p := strategy.DefaultParams(algo)
	if mutate != nil {
		mutate(&p)
	}
	return &Strategy{ID: id, Symbol: "BTCUSDT", Timeframe: "1h", Parameters: p, Indicators: p.Indicators(), Fitness: fitness, Status: StatusBacktested}
}

func TestPruneForDiversity_DropsCorrelatedLowFitness(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.cfg.MinDiversity = 0.5
	m.cfg.MinPopulation = 2

	pop := []*Strategy{
		mkStrategy("a", strategy.AlgoSMACrossover, 0.9, nil),
		mkStrategy("b", strategy.AlgoSMACrossover, 0.4, func(p *strategy.Params) { p.SMACrossover.FastPeriod = 11 }),
		mkStrategy("c", strategy.AlgoSMACrossover, 0.5, func(p *strategy.Params) { p.SMACrossover.FastPeriod = 12 }),
		mkStrategy("d", strategy.AlgoRSIReversion, 0.6, nil),
	}

	res := m.PruneForDiversity(pop)
	removed := make([]string, 0, len(res.Removed))
	for _, s := range res.Removed {
		removed = append(removed, s.ID)
	}
	assert.Contains(t, removed, "b")
	assert.NotContains(t, removed, "a")
	assert.NotContains(t, removed, "d")
	assert.Greater(t, res.DiversityAfter, res.DiversityBefore)
	assert.GreaterOrEqual(t, len(res.Kept), 2)
}

func TestPruneForDiversity_Deterministic(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.cfg.MinDiversity = 0.6
	m.cfg.MinPopulation = 3

	var pop []*Strategy
	for i := 0; i < 10; i++ {
		i := i
		algo := strategy.Algorithms[i%len(strategy.Algorithms)]
		pop = append(pop, mkStrategy(fmt.Sprintf("s%02d", i), algo, float64(i%4)/4, func(p *strategy.Params) {
			switch algo {
			case strategy.AlgoSMACrossover:
				p.SMACrossover.FastPeriod = 5 + i
			case strategy.AlgoRSIReversion:
				p.RSIReversion.Period = 10 + i
			case strategy.AlgoMACDMomentum:
				p.MACDMomentum.SignalPeriod = 5 + i
			}
		}))
	}

	ids := func(r PruneResult) []string {
		out := []string{}
		for _, s := range r.Removed {
			out = append(out, s.ID)
		}
		return out
	}
	first := ids(m.PruneForDiversity(pop))

	shuffled := append([]*Strategy(nil), pop...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	assert.Equal(t, first, ids(m.PruneForDiversity(shuffled)))
}

func TestPruneGeneration_RetiresRemoved(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.cfg.MinDiversity = 0.99
	m.cfg.MinPopulation = 1
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := candidate(t, strategy.AlgoSMACrossover)
		c.Generation = 2
		s, err := m.Record(ctx, c)
		require.NoError(t, err)
		_, err = m.ApplyBacktestResult(ctx, s.ID, BacktestResult{Performance: goodBacktest})
		require.NoError(t, err)
	}

	res, err := m.PruneGeneration(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, res.Kept, 2)
	assert.Len(t, res.Removed, 1)

	retired, err := m.List(ctx, Filter{Status: StatusRetired})
	require.NoError(t, err)
	require.Len(t, retired, 1)
	assert.Equal(t, "pruned for diversity", retired[0].RetireReason)
}

type fakeRunner struct {
	byName map[string]func() (Performance, error)
}

func (f fakeRunner) Backtest(_ context.Context, s *Strategy) (Performance, error) {
	return f.byName[s.Name]()
}

func TestRunBacktests_IsolatesFailures(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"ok", "fails", "panics"} {
		c := candidate(t, strategy.AlgoSMACrossover)
		c.Name = name
		s, err := m.Record(ctx, c)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	runner := fakeRunner{byName: map[string]func() (Performance, error){
		"ok":     func() (Performance, error) { return goodBacktest, nil },
		"fails":  func() (Performance, error) { return Performance{}, errors.New("exchange down") },
		"panics": func() (Performance, error) { panic("index out of range") },
	}}

	report, err := m.RunBacktests(ctx, append(ids, "missing"), runner)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[0]}, report.Backtested)
	assert.ElementsMatch(t, []string{ids[1], ids[2]}, report.Failed)
	assert.ElementsMatch(t, []string{"missing"}, report.Skipped)

	s, err := m.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusError, s.Status)
	assert.Contains(t, s.ErrorMessage, "index out of range")
}

type scriptedProducer struct {
	out []Candidate
	i   int
}

func (p *scriptedProducer) Generate(context.Context, Constraints) (Candidate, error) {
	if p.i >= len(p.out) {
		return Candidate{}, errors.New("exhausted")
	}
	c := p.out[p.i]
	p.i++
	return c, nil
}

func TestGenerate_RecordsValidRejectsInvalid(t *testing.T) {
	m, _, _ := newTestManager(t)
	bad := candidate(t, strategy.AlgoSMACrossover)
	bad.Parameters = json.RawMessage(`{"algorithm":"nope"}`)
	prod := &scriptedProducer{out: []Candidate{candidate(t, strategy.AlgoSMACrossover), bad, candidate(t, strategy.AlgoRSIReversion)}}

	report, err := m.Generate(context.Background(), prod, Constraints{Generation: 3}, 4)
	require.NoError(t, err)
	assert.Len(t, report.Recorded, 2)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Failed)

	gen := 3
	list, err := m.List(context.Background(), Filter{Generation: &gen})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSamplingProducer_CandidatesAreValid(t *testing.T) {
	m, _, _ := newTestManager(t)
	prod := NewSamplingProducer(42)
	c := Constraints{Symbols: []string{"BTCUSDT", "ETHUSDT"}, Timeframes: []string{"15m", "1h"}, Generation: 1}

	report, err := m.Generate(context.Background(), prod, c, 30)
	require.NoError(t, err)
	assert.Len(t, report.Recorded, 30)
	assert.Zero(t, report.Rejected)

	_, err = prod.Generate(context.Background(), Constraints{})
	assert.Error(t, err)
}
