package estimator

import (
	"math"

	"github.com/markcheno/go-talib"

	"trading-autopilot/internal/exchange"
)

// Normalize builds a MarketState from closed candles. Indicators that need
// more history than available are left out; a panic inside the indicator
// library leaves the state with whatever was computed before it.
func Normalize(candles []exchange.Candle) (state MarketState) {
	n := len(candles)
	state.Indicators = make(map[string]float64)
	if n == 0 {
		return state
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	state.Volumes = make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		state.Volumes[i] = c.Volume
	}
	state.Prices = closes
	state.Timestamp = candles[n-1].CloseTime
	price := closes[n-1]
	if !finite(price) || price <= 0 {
		return state
	}

	defer func() { _ = recover() }()

	set := func(name string, v float64) {
		if finite(v) {
			state.Indicators[name] = clamp01(v)
		}
	}
	// relative maps a signed ratio to [0,1] around the neutral reading,
	// saturating at ±span.
	relative := func(ratio, span float64) float64 {
		return neutralReading + math.Max(-0.5, math.Min(0.5, ratio/(2*span)))
	}

	if n >= 20 {
		sma := lastValid(talib.Sma(closes, 20))
		if sma > 0 {
			set(IndSMA20Trend, relative(price/sma-1, 0.05))
		}
		upper, _, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
		if width := lastValid(upper) - lastValid(lower); width > 0 {
			set(IndBBPercentB, (price-lastValid(lower))/width)
		} else {
			set(IndBBPercentB, neutralReading)
		}
		slowK, _ := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
		set(IndStochK, lastValid(slowK)/100)
	}
	if n >= 50 {
		if sma := lastValid(talib.Sma(closes, 50)); sma > 0 {
			set(IndSMA50Trend, relative(price/sma-1, 0.10))
		}
	}
	if n >= 15 {
		set(IndRSI14, lastValid(talib.Rsi(closes, 14))/100)
	}
	if n >= 11 {
		set(IndROC10, relative(lastValid(talib.Roc(closes, 10))/100, 0.10))
	}
	if n >= 35 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		set(IndMACDLine, relative(lastValid(macd)/price, 0.01))
		set(IndMACDSignal, relative(lastValid(signal)/price, 0.01))
		set(IndMACDHist, relative(lastValid(hist)/price, 0.005))
	}
	return state
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if finite(series[i]) {
			return series[i]
		}
	}
	return math.NaN()
}
