package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/strategy"
)

type constRunner struct{ perf Performance }

func (r constRunner) Backtest(context.Context, *Strategy) (Performance, error) { return r.perf, nil }

type fakePaper struct {
	mu      sync.Mutex
	started []string
	stopped []string
	failFor map[string]bool
	onStop  func(id string)
}

func (f *fakePaper) StartPaper(_ context.Context, s *Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[s.Name] {
		return errors.New("no credentials")
	}
	f.started = append(f.started, s.ID)
	return nil
}

func (f *fakePaper) StopPaper(_ context.Context, id string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	onStop := f.onStop
	f.mu.Unlock()
	if onStop != nil {
		onStop(id)
	}
	return nil
}

func named(t *testing.T, name string, algo strategy.Algorithm) Candidate {
	c := candidate(t, algo)
	c.Name = name
	return c
}

func TestPipeline_CyclePromotesAndStartsPaper(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	prod := &scriptedProducer{out: []Candidate{
		named(t, "sma", strategy.AlgoSMACrossover),
		named(t, "rsi", strategy.AlgoRSIReversion),
		named(t, "macd", strategy.AlgoMACDMomentum),
	}}
	paper := &fakePaper{failFor: map[string]bool{"macd": true}}
	p := NewPipeline(m, prod, constRunner{perf: goodBacktest}, paper, PipelineConfig{BatchSize: 3})

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generation)
	assert.Len(t, report.Generated.Recorded, 3)
	assert.Len(t, report.Backtests.Backtested, 3)
	assert.Empty(t, report.Pruned)
	assert.Len(t, report.PromotedToPaper, 3)
	assert.Len(t, paper.started, 2)
	require.Len(t, report.Failed, 1)

	failed, err := m.Get(ctx, report.Failed[0])
	require.NoError(t, err)
	assert.Equal(t, "macd", failed.Name)
	assert.Equal(t, StatusError, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "start paper session")

	trading, err := m.List(ctx, Filter{Status: StatusPaperTrading})
	require.NoError(t, err)
	assert.Len(t, trading, 2)
}

func TestPipeline_JudgesPaperAfterMinimumDuration(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	prod := &scriptedProducer{out: []Candidate{
		named(t, "good", strategy.AlgoSMACrossover),
		named(t, "bad", strategy.AlgoRSIReversion),
	}}
	paper := &fakePaper{}
	p := NewPipeline(m, prod, constRunner{perf: goodBacktest}, paper, PipelineConfig{BatchSize: 2})

	_, err := p.RunCycle(ctx)
	require.NoError(t, err)

	// the paper session reports its final performance when stopped
	paper.onStop = func(id string) {
		s, err := m.Get(ctx, id)
		require.NoError(t, err)
		perf := Performance{WinRate: 0.62, ProfitFactor: 1.6, Trades: 45}
		if s.Name == "bad" {
			perf = Performance{WinRate: 0.41, ProfitFactor: 0.9, Trades: 45}
		}
		require.NoError(t, m.RecordPaperResult(ctx, id, perf))
	}

	// too early: nothing is judged
	clock.Advance(24 * time.Hour)
	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Generation)
	assert.Empty(t, report.PromotedToLive)
	assert.Empty(t, paper.stopped)

	clock.Advance(49 * time.Hour)
	report, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, paper.stopped, 2)
	require.Len(t, report.PromotedToLive, 1)
	require.Len(t, report.Retired, 1)

	live, err := m.Get(ctx, report.PromotedToLive[0])
	require.NoError(t, err)
	assert.Equal(t, "good", live.Name)
	assert.Equal(t, StatusLive, live.Status)

	retired, err := m.Get(ctx, report.Retired[0])
	require.NoError(t, err)
	assert.Equal(t, "bad", retired.Name)
	assert.Contains(t, retired.RetireReason, "paper trial failed")
}

func TestPipeline_ResumeContinuesGenerations(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	c := candidate(t, strategy.AlgoSMACrossover)
	c.Generation = 7
	_, err := m.Record(ctx, c)
	require.NoError(t, err)

	p := NewPipeline(m, &scriptedProducer{}, constRunner{perf: goodBacktest}, nil, PipelineConfig{})
	require.NoError(t, p.Resume(ctx))

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Generation)
	assert.Equal(t, 8, report.Generated.Failed)
	assert.Empty(t, report.Generated.Recorded)
}
