package estimator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/exchange"
)

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence(0, 1))
	for _, purity := range []float64{0, 0.3, 0.7, 1, 5} {
		assert.Equal(t, 0.0, Confidence(1, purity), "purity %v", purity)
	}
	assert.InDelta(t, 0.4, Confidence(0.5, 0.8), 1e-12)
	assert.Equal(t, 0.0, Confidence(math.NaN(), 1))
	assert.Equal(t, 0.0, Confidence(0, math.Inf(1)))
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, RegimeLinear, th.Classify(0.1, 0.05, 0.8, 0.9))

	for _, purity := range []float64{0.1, 0.5, 0.9} {
		for _, integration := range []float64{0.1, 0.5, 0.8} {
			assert.Equal(t, RegimeBreakdown, th.Classify(0.1, 0.2, integration, purity),
				"purity=%v integration=%v", purity, integration)
		}
	}

	assert.Equal(t, RegimeBreakdown, th.Classify(0.4, 0.05, 0.5, 0.2))
	assert.Equal(t, RegimeBreakdown, th.Classify(0.4, 0.05, 0.2, 0.5))
	assert.Equal(t, RegimeGeometric, th.Classify(0.4, 0.05, 0.5, 0.5))
	assert.Equal(t, RegimeGeometric, th.Classify(math.NaN(), 0, 0, 0))
}

func TestClassify_ConfigurableThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.BreakdownVolatility = 0.5
	assert.Equal(t, RegimeLinear, th.Classify(0.1, 0.2, 0.8, 0.9))
}

func TestClassifyRegime_FromState(t *testing.T) {
	flat := MarketState{
		Prices:     []float64{100, 100, 100, 100},
		Indicators: map[string]float64{IndRSI14: 0.5, IndSMA20Trend: 0.5, IndStochK: 0.5},
	}
	assert.Equal(t, RegimeLinear, ClassifyRegime(flat, Integration(flat.Indicators), StatePurity(flat.Indicators), DefaultThresholds()))

	wild := flat
	wild.Prices = []float64{100, 150, 60, 140, 70}
	assert.Equal(t, RegimeBreakdown, ClassifyRegime(wild, 1, 1, DefaultThresholds()))
}

func TestSurprise(t *testing.T) {
	a := map[string]float64{"x": 0.2, "y": 0.8}
	assert.Equal(t, 0.0, Surprise(a, a))
	assert.Equal(t, 0.0, Surprise(map[string]float64{"z": 1}, a), "nothing comparable")
	assert.Equal(t, 1.0, Surprise(map[string]float64{"x": 0.5}, map[string]float64{"x": 0}))
	assert.Equal(t, 0.0, Surprise(map[string]float64{"x": 0}, map[string]float64{"x": 0}))

	s := Surprise(map[string]float64{"x": 0.3, "y": 0.8}, a)
	assert.InDelta(t, 0.1/math.Sqrt(0.68), s, 1e-12)

	assert.Equal(t, 1.0, Surprise(map[string]float64{"x": 1}, map[string]float64{"x": 0.1}))
	assert.Equal(t, 0.0, Surprise(map[string]float64{"x": math.NaN()}, map[string]float64{"x": 0.4}))
}

func TestIntegration(t *testing.T) {
	assert.Equal(t, 0.5, Integration(nil))
	assert.Equal(t, 0.5, Integration(map[string]float64{IndRSI14: 0.9, IndROC10: 0.1}), "single subsystem")
	assert.Equal(t, 0.5, Integration(map[string]float64{"unknown": 0.9, IndRSI14: 0.1}))

	two := map[string]float64{IndSMA20Trend: 0.2, IndSMA50Trend: 0.2, IndRSI14: 0.8}
	assert.InDelta(t, 0.4, Integration(two), 1e-12)

	agree := map[string]float64{IndSMA20Trend: 0.6, IndRSI14: 0.6, IndStochK: 0.6, IndMACDHist: 0.6}
	assert.InDelta(t, 1.0, Integration(agree), 1e-12)
}

func TestStatePurity(t *testing.T) {
	assert.Equal(t, 0.5, StatePurity(nil))
	assert.Equal(t, 1.0, StatePurity(map[string]float64{"a": 0.7, "b": 0.7, "c": 0.7}))
	assert.InDelta(t, 0.0, StatePurity(map[string]float64{"a": 0, "b": 1}), 1e-12)
	assert.InDelta(t, 0.96, StatePurity(map[string]float64{"a": 0.4, "b": 0.6}), 1e-12)
}

func TestAttentionWeights(t *testing.T) {
	ind := map[string]float64{"a": 0.5, "b": 0.9, "c": 0.1, "d": 0.6}

	calm := AttentionWeights(ind, 0)
	excited := AttentionWeights(ind, 1)
	for _, w := range []map[string]float64{calm, excited} {
		var sum float64
		for _, v := range w {
			assert.Greater(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.Greater(t, calm["b"], calm["a"])
	assert.InDelta(t, calm["b"], calm["c"], 1e-12)
	assert.Less(t, excited["b"], calm["b"], "higher surprise flattens the weights")

	assert.Empty(t, AttentionWeights(nil, 0.3))
	uniform := AttentionWeights(ind, math.NaN())
	for _, v := range uniform {
		assert.InDelta(t, 0.25, v, 1e-12)
	}
}

func TestPredictor(t *testing.T) {
	p := NewPredictor(3, 5, 0.5)
	cur := MarketState{Prices: []float64{10, 11}, Indicators: map[string]float64{"x": 0.4}}

	pred := p.Predict(cur)
	assert.Equal(t, cur.Indicators, pred.Indicators)
	assert.Equal(t, 11.0, pred.NextPrice)
	assert.Equal(t, 0.0, Surprise(pred.Indicators, cur.Indicators))

	p.Observe(MarketState{Prices: []float64{1, 2, 3}, Indicators: map[string]float64{"x": 0}})
	p.Observe(MarketState{Prices: []float64{1, 2, 3}, Indicators: map[string]float64{"x": 1}})
	pred = p.Predict(cur)
	assert.InDelta(t, 1/1.5, pred.Indicators["x"], 1e-12)
	assert.InDelta(t, 4.0, pred.NextPrice, 1e-12)

	for i := 0; i < 10; i++ {
		p.Observe(cur)
	}
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 100, NewPredictor(500, 0, 0).capacity)
}

func TestExtrapolatePrice(t *testing.T) {
	assert.Equal(t, 0.0, ExtrapolatePrice(nil, 20))
	assert.Equal(t, 7.0, ExtrapolatePrice([]float64{7}, 20))
	assert.InDelta(t, 5.0, ExtrapolatePrice([]float64{5, 5, 5}, 20), 1e-12)
	assert.InDelta(t, 10.0, ExtrapolatePrice([]float64{100, 2, 4, 6, 8}, 4), 1e-12)
	assert.Equal(t, 0.0, ExtrapolatePrice([]float64{3, 2, 1}, 20), "never negative")
}

func candles(n int, price func(i int) float64) []exchange.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = exchange.Candle{OpenTime: t0.Add(time.Duration(i) * time.Minute), CloseTime: t0.Add(time.Duration(i+1)*time.Minute - 1),
			Open: p, High: p * 1.002, Low: p * 0.998, Close: p, Volume: 10}
	}
	return out
}

func TestNormalize(t *testing.T) {
	state := Normalize(candles(80, func(i int) float64 { return 100 + float64(i)*0.1 + math.Sin(float64(i)) }))
	for _, name := range []string{IndSMA20Trend, IndSMA50Trend, IndRSI14, IndROC10, IndStochK, IndBBPercentB, IndMACDLine, IndMACDSignal, IndMACDHist} {
		v, ok := state.Indicators[name]
		require.True(t, ok, name)
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.Len(t, state.Prices, 80)
	assert.False(t, state.Timestamp.IsZero())

	short := Normalize(candles(16, func(i int) float64 { return 50 }))
	assert.Contains(t, short.Indicators, IndRSI14)
	assert.NotContains(t, short.Indicators, IndSMA50Trend)
	assert.NotContains(t, short.Indicators, IndMACDHist)

	empty := Normalize(nil)
	assert.Empty(t, empty.Indicators)
}

func TestEstimator_Evaluate(t *testing.T) {
	e := New(DefaultConfig())
	series := candles(60, func(i int) float64 { return 100 + float64(i)*0.05 })

	first := e.EvaluateCandles(series)
	assert.Equal(t, 0.0, first.Surprise, "no history")
	assert.Equal(t, first.Purity, first.Confidence)
	assert.Equal(t, 1, e.Observed())
	assert.NotEmpty(t, first.Weights)
	assert.Greater(t, first.NextPrice, series[59].Close)

	second := e.EvaluateCandles(series)
	assert.InDelta(t, 0.0, second.Surprise, 1e-12, "identical snapshot")
	assert.Contains(t, []Regime{RegimeLinear, RegimeGeometric, RegimeBreakdown}, second.Regime)

	zero := New(Config{}).Evaluate(MarketState{})
	assert.Equal(t, 0.0, zero.Surprise)
	assert.Equal(t, 0.5, zero.Integration)
	assert.Equal(t, 0.5, zero.Purity)
	assert.Equal(t, RegimeGeometric, zero.Regime)
}
