package backtest

import (
	"context"
	"fmt"

	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/strategy"
)

// StrategyRunner backtests lifecycle strategies over exchange history.
type StrategyRunner struct {
	market exchange.MarketData
	engine *Engine
	logger *logging.Logger
}

var _ lifecycle.BacktestRunner = (*StrategyRunner)(nil)

// NewStrategyRunner creates a runner reading candles from market.
func NewStrategyRunner(market exchange.MarketData, engine *Engine, logger *logging.Logger) *StrategyRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &StrategyRunner{market: market, engine: engine, logger: logger.WithComponent("backtest")}
}

// Backtest fetches history for the strategy's market and replays it.
func (r *StrategyRunner) Backtest(ctx context.Context, s *lifecycle.Strategy) (lifecycle.Performance, error) {
	exec, err := strategy.NewExecutor(s.Symbol, s.Parameters)
	if err != nil {
		return lifecycle.Performance{}, err
	}

	candles, err := r.market.HistoricalCandles(ctx, s.Symbol, s.Timeframe, r.engine.cfg.CandleLimit)
	if err != nil {
		return lifecycle.Performance{}, fmt.Errorf("fetch candles for %s %s: %w", s.Symbol, s.Timeframe, err)
	}
	lookback := s.Parameters.Lookback()
	if len(candles) <= lookback {
		return lifecycle.Performance{}, faults.Invalid("candles", "got %d candles, strategy needs more than %d", len(candles), lookback)
	}

	res, err := r.engine.Run(candles, exec, lookback)
	if err != nil {
		return lifecycle.Performance{}, err
	}

	logging.StrategyContext(r.logger, s.ID, string(s.Status)).Info("Backtest finished",
		"symbol", s.Symbol, "timeframe", s.Timeframe, "candles", len(candles),
		"trades", res.TotalTrades, "win_rate", res.WinRate, "return", res.TotalReturn)
	return res.Performance(), nil
}

// Performance converts the result into the lifecycle's view.
func (res *Result) Performance() lifecycle.Performance {
	return lifecycle.Performance{
		WinRate:      res.WinRate,
		ProfitFactor: res.ProfitFactor,
		Sharpe:       res.SharpeRatio,
		MaxDrawdown:  res.MaxDrawdown,
		TotalReturn:  res.TotalReturn,
		Trades:       res.TotalTrades,
		Duration:     res.End.Sub(res.Start),
	}
}
