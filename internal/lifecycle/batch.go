package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"trading-autopilot/internal/faults"
)

// BatchReport summarizes RunBacktests.
type BatchReport struct {
	Backtested []string `json:"backtested"`
	Failed     []string `json:"failed"`
	Skipped    []string `json:"skipped"`
}

// RunBacktests backtests the given generated strategies concurrently. A
// failure or panic in one backtest marks only that strategy as error.
func (m *Manager) RunBacktests(ctx context.Context, ids []string, runner BacktestRunner) (BatchReport, error) {
	var (
		mu     sync.Mutex
		report BatchReport
	)
	add := func(list *[]string, id string) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	limit := m.cfg.BacktestConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			s, err := m.store.GetStrategy(gctx, id)
			if err != nil || s.Status != StatusGenerated {
				add(&report.Skipped, id)
				return nil
			}

			perf, runErr := runSafely(gctx, runner, s)
			if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
				add(&report.Skipped, id)
				return nil
			}
			updated, err := m.ApplyBacktestResult(ctx, id, BacktestResult{Performance: perf, Err: runErr})
			switch {
			case err != nil:
				m.logger.WithError(err).Error("Applying backtest result failed", "strategy_id", id)
				add(&report.Failed, id)
			case updated.Status == StatusError:
				add(&report.Failed, id)
			default:
				add(&report.Backtested, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func runSafely(ctx context.Context, runner BacktestRunner, s *Strategy) (perf Performance, err error) {
	defer faults.Recover(&err)
	return runner.Backtest(ctx, s)
}

// GenerateReport summarizes Generate.
type GenerateReport struct {
	Recorded []string `json:"recorded"`
	Rejected int      `json:"rejected"`
	Failed   int      `json:"failed"`
}

// Generate pulls n candidates from producer and records the valid ones.
// Invalid candidates are counted and dropped.
func (m *Manager) Generate(ctx context.Context, producer StrategyProducer, c Constraints, n int) (GenerateReport, error) {
	var report GenerateReport
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		cand, err := generateSafely(ctx, producer, c)
		if err != nil {
			report.Failed++
			m.metrics.RecordError("lifecycle", err)
			m.logger.WithError(err).Warn("Strategy producer failed")
			continue
		}
		if cand.Generation == 0 {
			cand.Generation = c.Generation
		}

		s, err := m.Record(ctx, cand)
		if err != nil {
			if faults.Classify(err) == faults.CategoryValidation {
				report.Rejected++
				m.logger.Info("Candidate rejected", "reason", err.Error())
				continue
			}
			return report, fmt.Errorf("record candidate: %w", err)
		}
		report.Recorded = append(report.Recorded, s.ID)
	}
	return report, nil
}

func generateSafely(ctx context.Context, p StrategyProducer, c Constraints) (cand Candidate, err error) {
	defer faults.Recover(&err)
	return p.Generate(ctx, c)
}
