package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PaperTrader runs paper sessions for strategies in paper_trading.
// StopPaper must report the final paper performance before returning.
type PaperTrader interface {
	StartPaper(ctx context.Context, s *Strategy) error
	StopPaper(ctx context.Context, strategyID string) error
}

// ErrNoPaperSession is returned by a PaperTrader that has no session for
// the strategy.
var ErrNoPaperSession = errors.New("no paper session for strategy")

// PipelineConfig sizes one cycle.
type PipelineConfig struct {
	BatchSize   int         `json:"batch_size"`
	Constraints Constraints `json:"constraints"`
}

// CycleReport summarizes RunCycle.
type CycleReport struct {
	Generation      int            `json:"generation"`
	Generated       GenerateReport `json:"generated"`
	Backtests       BatchReport    `json:"backtests"`
	Pruned          []string       `json:"pruned,omitempty"`
	PromotedToPaper []string       `json:"promoted_to_paper,omitempty"`
	PromotedToLive  []string       `json:"promoted_to_live,omitempty"`
	Retired         []string       `json:"retired,omitempty"`
	Failed          []string       `json:"failed,omitempty"`
}

// Pipeline drives one generation per cycle: generate, backtest, prune,
// promote to paper, and judge paper strategies whose trial period is over.
// Cycles never overlap.
type Pipeline struct {
	m        *Manager
	producer StrategyProducer
	runner   BacktestRunner
	paper    PaperTrader
	cfg      PipelineConfig

	mu         sync.Mutex
	generation int
}

// NewPipeline creates a pipeline. paper may be nil, in which case promoted
// strategies wait in paper_trading for results fed in elsewhere.
func NewPipeline(m *Manager, producer StrategyProducer, runner BacktestRunner, paper PaperTrader, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	return &Pipeline{
		m:          m,
		producer:   producer,
		runner:     runner,
		paper:      paper,
		cfg:        cfg,
		generation: cfg.Constraints.Generation,
	}
}

// Resume continues numbering after the highest stored generation.
func (p *Pipeline) Resume(ctx context.Context) error {
	all, err := p.m.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range all {
		if s.Generation > p.generation {
			p.generation = s.Generation
		}
	}
	return nil
}

// RunCycle runs one full cycle. Per-strategy failures are recorded in the
// report; an error is returned only when the cycle could not proceed.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.generation++
	gen := p.generation
	report := CycleReport{Generation: gen}
	log := p.m.logger.WithField("generation", gen)

	c := p.cfg.Constraints
	c.Generation = gen
	generated, err := p.m.Generate(ctx, p.producer, c, p.cfg.BatchSize)
	report.Generated = generated
	if err != nil {
		return report, fmt.Errorf("generate: %w", err)
	}

	backtests, err := p.m.RunBacktests(ctx, generated.Recorded, p.runner)
	report.Backtests = backtests
	report.Failed = append(report.Failed, backtests.Failed...)
	if err != nil {
		return report, fmt.Errorf("backtest: %w", err)
	}

	pruned, err := p.m.PruneGeneration(ctx, gen)
	for _, s := range pruned.Removed {
		report.Pruned = append(report.Pruned, s.ID)
	}
	if err != nil {
		return report, fmt.Errorf("prune: %w", err)
	}

	if err := p.promoteToPaper(ctx, gen, &report); err != nil {
		return report, err
	}
	if err := p.judgePaper(ctx, &report); err != nil {
		return report, err
	}

	log.Info("Lifecycle cycle finished",
		"recorded", len(generated.Recorded),
		"backtested", len(backtests.Backtested),
		"pruned", len(report.Pruned),
		"to_paper", len(report.PromotedToPaper),
		"to_live", len(report.PromotedToLive),
		"failed", len(report.Failed))
	return report, nil
}

func (p *Pipeline) promoteToPaper(ctx context.Context, gen int, report *CycleReport) error {
	survivors, err := p.m.List(ctx, Filter{Status: StatusBacktested, Generation: &gen})
	if err != nil {
		return fmt.Errorf("list backtested: %w", err)
	}
	for _, s := range survivors {
		d, err := p.m.PromoteToPaper(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("promote %s to paper: %w", s.ID, err)
		}
		if !d.Approved {
			p.m.logger.Debug("Paper promotion rejected", "strategy_id", s.ID, "reason", d.Reason)
			continue
		}
		report.PromotedToPaper = append(report.PromotedToPaper, s.ID)
		if p.paper == nil {
			continue
		}
		promoted, err := p.m.Get(ctx, s.ID)
		if err == nil {
			err = p.paper.StartPaper(ctx, promoted)
		}
		if err != nil {
			if _, markErr := p.m.MarkError(ctx, s.ID, fmt.Errorf("start paper session: %w", err)); markErr != nil {
				return fmt.Errorf("mark %s: %w", s.ID, markErr)
			}
			report.Failed = append(report.Failed, s.ID)
		}
	}
	return nil
}

// judgePaper stops paper sessions that ran for the minimum duration and
// promotes or retires their strategies.
func (p *Pipeline) judgePaper(ctx context.Context, report *CycleReport) error {
	trials, err := p.m.List(ctx, Filter{Status: StatusPaperTrading})
	if err != nil {
		return fmt.Errorf("list paper strategies: %w", err)
	}
	now := p.m.now()
	for _, s := range trials {
		if s.PaperStartedAt == nil || now.Sub(*s.PaperStartedAt) < p.m.cfg.MinPaperDuration {
			continue
		}
		if p.paper != nil {
			if err := p.paper.StopPaper(ctx, s.ID); err != nil && !errors.Is(err, ErrNoPaperSession) {
				p.m.logger.WithError(err).Warn("Stopping paper session failed", "strategy_id", s.ID)
				continue
			}
		}

		d, err := p.m.PromoteToLive(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("promote %s to live: %w", s.ID, err)
		}
		if d.Approved {
			report.PromotedToLive = append(report.PromotedToLive, s.ID)
			continue
		}
		if _, err := p.m.Retire(ctx, s.ID, "paper trial failed: "+d.Reason); err != nil {
			return fmt.Errorf("retire %s: %w", s.ID, err)
		}
		report.Retired = append(report.Retired, s.ID)
	}
	return nil
}
