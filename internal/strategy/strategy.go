package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"trading-autopilot/internal/exchange"
)

// SignalType is the action a strategy recommends.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// Signal is a strategy's recommendation for the latest closed candle.
// Size is a fraction in (0,1] of the session's configured order size.
type Signal struct {
	Type      SignalType `json:"type"`
	Symbol    string     `json:"symbol"`
	Price     float64    `json:"price"`
	Size      float64    `json:"size"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

// Actionable reports whether the signal asks for an order.
func (s *Signal) Actionable() bool {
	return s != nil && (s.Type == SignalBuy || s.Type == SignalSell) && s.Size > 0
}

// Executor evaluates candles into a signal.
type Executor interface {
	Name() string
	Evaluate(candles []exchange.Candle) (*Signal, error)
}

// NewExecutor builds the executor for a validated parameter set.
func NewExecutor(symbol string, p Params) (Executor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case AlgoSMACrossover:
		return &smaCrossover{symbol: symbol, p: *p.SMACrossover}, nil
	case AlgoRSIReversion:
		return &rsiReversion{symbol: symbol, p: *p.RSIReversion}, nil
	case AlgoMACDMomentum:
		return &macdMomentum{symbol: symbol, p: *p.MACDMomentum}, nil
	}
	return nil, fmt.Errorf("unsupported algorithm %q", p.Algorithm)
}

func hold(symbol string, price float64, reason string) *Signal {
	return &Signal{Type: SignalHold, Symbol: symbol, Price: price, Reason: reason, Timestamp: time.Now().UTC()}
}

func lastClose(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}

type smaCrossover struct {
	symbol string
	p      SMACrossoverParams
}

func (s *smaCrossover) Name() string {
	return fmt.Sprintf("SMA-%d/%d-%s", s.p.FastPeriod, s.p.SlowPeriod, s.symbol)
}

func (s *smaCrossover) Evaluate(candles []exchange.Candle) (*Signal, error) {
	price := lastClose(candles)
	if len(candles) < s.p.SlowPeriod+2 {
		return hold(s.symbol, price, "warming up"), nil
	}
	closes := exchange.Closes(candles)
	fast := talib.Sma(closes, s.p.FastPeriod)
	slow := talib.Sma(closes, s.p.SlowPeriod)
	n := len(closes) - 1

	prevDiff := fast[n-1] - slow[n-1]
	diff := fast[n] - slow[n]
	switch {
	case prevDiff <= 0 && diff > 0:
		return &Signal{Type: SignalBuy, Symbol: s.symbol, Price: price, Size: 1,
			Reason: fmt.Sprintf("fast SMA %.4f crossed above slow %.4f", fast[n], slow[n]), Timestamp: time.Now().UTC()}, nil
	case prevDiff >= 0 && diff < 0:
		return &Signal{Type: SignalSell, Symbol: s.symbol, Price: price, Size: 1,
			Reason: fmt.Sprintf("fast SMA %.4f crossed below slow %.4f", fast[n], slow[n]), Timestamp: time.Now().UTC()}, nil
	}
	return hold(s.symbol, price, "no crossover"), nil
}

type rsiReversion struct {
	symbol string
	p      RSIReversionParams
}

func (r *rsiReversion) Name() string {
	return fmt.Sprintf("RSI-%d-%s", r.p.Period, r.symbol)
}

// Evaluate buys oversold and sells overbought, sized by how far RSI is past
// the threshold (at least a quarter of the order size).
func (r *rsiReversion) Evaluate(candles []exchange.Candle) (*Signal, error) {
	price := lastClose(candles)
	if len(candles) < r.p.Period+2 {
		return hold(r.symbol, price, "warming up"), nil
	}
	rsi := talib.Rsi(exchange.Closes(candles), r.p.Period)
	v := rsi[len(rsi)-1]
	if math.IsNaN(v) {
		return hold(r.symbol, price, "rsi undefined"), nil
	}

	switch {
	case v < r.p.Oversold:
		size := clampSize((r.p.Oversold - v) / r.p.Oversold)
		return &Signal{Type: SignalBuy, Symbol: r.symbol, Price: price, Size: size,
			Reason: fmt.Sprintf("rsi %.2f below %.2f", v, r.p.Oversold), Timestamp: time.Now().UTC()}, nil
	case v > r.p.Overbought:
		size := clampSize((v - r.p.Overbought) / (100 - r.p.Overbought))
		return &Signal{Type: SignalSell, Symbol: r.symbol, Price: price, Size: size,
			Reason: fmt.Sprintf("rsi %.2f above %.2f", v, r.p.Overbought), Timestamp: time.Now().UTC()}, nil
	}
	return hold(r.symbol, price, fmt.Sprintf("rsi %.2f neutral", v)), nil
}

type macdMomentum struct {
	symbol string
	p      MACDMomentumParams
}

func (m *macdMomentum) Name() string {
	return fmt.Sprintf("MACD-%d/%d/%d-%s", m.p.FastPeriod, m.p.SlowPeriod, m.p.SignalPeriod, m.symbol)
}

func (m *macdMomentum) Evaluate(candles []exchange.Candle) (*Signal, error) {
	price := lastClose(candles)
	if len(candles) < m.p.SlowPeriod+m.p.SignalPeriod+2 {
		return hold(m.symbol, price, "warming up"), nil
	}
	_, _, hist := talib.Macd(exchange.Closes(candles), m.p.FastPeriod, m.p.SlowPeriod, m.p.SignalPeriod)
	n := len(hist) - 1

	switch {
	case hist[n-1] <= 0 && hist[n] > 0:
		return &Signal{Type: SignalBuy, Symbol: m.symbol, Price: price, Size: 1,
			Reason: fmt.Sprintf("macd histogram turned positive (%.5f)", hist[n]), Timestamp: time.Now().UTC()}, nil
	case hist[n-1] >= 0 && hist[n] < 0:
		return &Signal{Type: SignalSell, Symbol: m.symbol, Price: price, Size: 1,
			Reason: fmt.Sprintf("macd histogram turned negative (%.5f)", hist[n]), Timestamp: time.Now().UTC()}, nil
	}
	return hold(m.symbol, price, "no histogram flip"), nil
}

func clampSize(x float64) float64 {
	return math.Max(0.25, math.Min(1, x))
}
