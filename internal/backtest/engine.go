// Package backtest replays closed candles through a strategy executor and
// reports the performance the lifecycle manager scores.
package backtest

import (
	"fmt"
	"math"
	"time"

	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/strategy"
)

// Config controls position sizing, fees and exits.
type Config struct {
	InitialCapital    float64 `json:"initial_capital"`
	Commission        float64 `json:"commission"`          // fraction per side
	PositionFraction  float64 `json:"position_fraction"`   // of equity per trade
	StopLossPercent   float64 `json:"stop_loss_percent"`   // 0 disables
	TakeProfitPercent float64 `json:"take_profit_percent"` // 0 disables
	CandleLimit       int     `json:"candle_limit"`
}

// DefaultConfig returns the settings used for candidate evaluation.
func DefaultConfig() Config {
	return Config{
		InitialCapital:    10000,
		Commission:        0.0004,
		PositionFraction:  0.10,
		StopLossPercent:   2,
		TakeProfitPercent: 3,
		CandleLimit:       1000,
	}
}

// Trade is one closed backtest position.
type Trade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	Side       string    `json:"side"`
	ProfitLoss float64   `json:"profit_loss"`
	Return     float64   `json:"return"`
	ExitReason string    `json:"exit_reason"` // stop_loss, take_profit, signal, backtest_end
}

// EquityPoint is the account equity after a trade closed.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Result holds backtest performance. Rates and returns are fractions.
type Result struct {
	TotalTrades   int           `json:"total_trades"`
	WinningTrades int           `json:"winning_trades"`
	LosingTrades  int           `json:"losing_trades"`
	WinRate       float64       `json:"win_rate"`
	TotalProfit   float64       `json:"total_profit"`
	TotalLoss     float64       `json:"total_loss"`
	NetProfit     float64       `json:"net_profit"`
	TotalReturn   float64       `json:"total_return"`
	MaxDrawdown   float64       `json:"max_drawdown"`
	ProfitFactor  float64       `json:"profit_factor"`
	SharpeRatio   float64       `json:"sharpe_ratio"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Trades        []Trade       `json:"trades"`
	EquityCurve   []EquityPoint `json:"equity_curve"`
}

// Engine runs historical strategy validation.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine, filling unset fields from DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = def.InitialCapital
	}
	if cfg.PositionFraction <= 0 || cfg.PositionFraction > 1 {
		cfg.PositionFraction = def.PositionFraction
	}
	if cfg.Commission < 0 {
		cfg.Commission = 0
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = def.CandleLimit
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type openPosition struct {
	entryTime  time.Time
	entryPrice float64
	quantity   float64
	long       bool
}

// Run replays candles through exec. The executor sees a trailing window
// ending at each candle; evaluation starts once lookback candles exist. A
// BUY opens a long, a SELL opens a short, an opposite signal closes.
func (e *Engine) Run(candles []exchange.Candle, exec strategy.Executor, lookback int) (*Result, error) {
	if lookback < 2 {
		lookback = 2
	}
	if len(candles) <= lookback {
		return nil, fmt.Errorf("insufficient historical data: got %d candles, need more than %d", len(candles), lookback)
	}

	window := lookback * 3
	if window < 100 {
		window = 100
	}

	res := &Result{
		Start:       candles[0].OpenTime,
		End:         candles[len(candles)-1].CloseTime,
		Trades:      make([]Trade, 0),
		EquityCurve: make([]EquityPoint, 0),
	}
	equity := e.cfg.InitialCapital
	var pos *openPosition

	closeAt := func(c exchange.Candle, price float64, reason string) {
		t := e.close(pos, c.CloseTime, price, reason)
		equity += t.ProfitLoss
		res.Trades = append(res.Trades, t)
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: t.ExitTime, Equity: equity})
		pos = nil
	}

	for i := lookback; i < len(candles); i++ {
		c := candles[i]

		if pos != nil {
			if price, reason := e.exitLevel(pos, c); reason != "" {
				closeAt(c, price, reason)
			}
		}

		start := i + 1 - window
		if start < 0 {
			start = 0
		}
		sig, err := exec.Evaluate(candles[start : i+1])
		if err != nil || !sig.Actionable() {
			continue
		}
		wantLong := sig.Type == strategy.SignalBuy

		if pos != nil && pos.long != wantLong {
			closeAt(c, c.Close, "signal")
		}
		if pos == nil && equity > 0 && c.Close > 0 {
			notional := equity * e.cfg.PositionFraction * sig.Size
			pos = &openPosition{
				entryTime:  c.CloseTime,
				entryPrice: c.Close,
				quantity:   notional / c.Close,
				long:       wantLong,
			}
		}
	}

	if pos != nil {
		last := candles[len(candles)-1]
		closeAt(last, last.Close, "backtest_end")
	}

	e.calculateMetrics(res, equity)
	return res, nil
}

// exitLevel checks stop loss and take profit against the candle range.
// When both are touched the stop wins.
func (e *Engine) exitLevel(pos *openPosition, c exchange.Candle) (float64, string) {
	sl, tp := e.cfg.StopLossPercent/100, e.cfg.TakeProfitPercent/100
	if pos.long {
		if sl > 0 && c.Low <= pos.entryPrice*(1-sl) {
			return pos.entryPrice * (1 - sl), "stop_loss"
		}
		if tp > 0 && c.High >= pos.entryPrice*(1+tp) {
			return pos.entryPrice * (1 + tp), "take_profit"
		}
		return 0, ""
	}
	if sl > 0 && c.High >= pos.entryPrice*(1+sl) {
		return pos.entryPrice * (1 + sl), "stop_loss"
	}
	if tp > 0 && c.Low <= pos.entryPrice*(1-tp) {
		return pos.entryPrice * (1 - tp), "take_profit"
	}
	return 0, ""
}

func (e *Engine) close(pos *openPosition, at time.Time, price float64, reason string) Trade {
	diff := price - pos.entryPrice
	side := "BUY"
	if !pos.long {
		diff = -diff
		side = "SELL"
	}
	fees := (pos.entryPrice + price) * pos.quantity * e.cfg.Commission
	pl := diff*pos.quantity - fees
	return Trade{
		EntryTime:  pos.entryTime,
		ExitTime:   at,
		EntryPrice: pos.entryPrice,
		ExitPrice:  price,
		Quantity:   pos.quantity,
		Side:       side,
		ProfitLoss: pl,
		Return:     pl / (pos.entryPrice * pos.quantity),
		ExitReason: reason,
	}
}

func (e *Engine) calculateMetrics(res *Result, finalEquity float64) {
	res.TotalTrades = len(res.Trades)
	for _, t := range res.Trades {
		if t.ProfitLoss > 0 {
			res.WinningTrades++
			res.TotalProfit += t.ProfitLoss
		} else {
			res.LosingTrades++
			res.TotalLoss += math.Abs(t.ProfitLoss)
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades)
	}

	res.NetProfit = finalEquity - e.cfg.InitialCapital
	res.TotalReturn = res.NetProfit / e.cfg.InitialCapital

	switch {
	case res.TotalLoss > 0:
		res.ProfitFactor = res.TotalProfit / res.TotalLoss
	case res.TotalProfit > 0:
		res.ProfitFactor = 10
	}

	res.MaxDrawdown = maxDrawdown(e.cfg.InitialCapital, res.EquityCurve)
	res.SharpeRatio = sharpe(res.Trades)
}

// maxDrawdown is the largest peak-to-trough equity decline as a fraction
// of the peak.
func maxDrawdown(initial float64, curve []EquityPoint) float64 {
	peak, worst := initial, 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe is the mean per-trade return over its standard deviation, with a
// zero risk-free rate.
func sharpe(trades []Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	var sum float64
	for _, t := range trades {
		sum += t.Return
	}
	mean := sum / float64(len(trades))
	var variance float64
	for _, t := range trades {
		d := t.Return - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(trades)))
	if std == 0 {
		return 0
	}
	return mean / std
}
