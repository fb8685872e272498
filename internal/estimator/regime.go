// Package estimator scores how coherent the current market state is and
// how well it matches a short-term prediction. Every function returns a
// documented neutral value on malformed input instead of failing, since it
// runs on every trading tick.
package estimator

import (
	"math"
	"sort"
	"time"
)

// Regime is the market-state classification.
type Regime string

const (
	RegimeLinear    Regime = "LINEAR"
	RegimeGeometric Regime = "GEOMETRIC"
	RegimeBreakdown Regime = "BREAKDOWN"
)

// Subsystem groups indicators that measure the same aspect of the market.
type Subsystem string

const (
	SubsystemTrend      Subsystem = "trend"
	SubsystemMomentum   Subsystem = "momentum"
	SubsystemOscillator Subsystem = "oscillator"
	SubsystemMACD       Subsystem = "macd"
)

// Normalized indicator names produced by Normalize.
const (
	IndSMA20Trend  = "sma20_trend"
	IndSMA50Trend  = "sma50_trend"
	IndRSI14       = "rsi14"
	IndROC10       = "roc10"
	IndStochK      = "stoch_k"
	IndBBPercentB  = "bb_percent_b"
	IndMACDLine    = "macd_line"
	IndMACDSignal  = "macd_signal"
	IndMACDHist    = "macd_hist"
	neutralReading = 0.5
)

var subsystems = map[string]Subsystem{
	IndSMA20Trend: SubsystemTrend,
	IndSMA50Trend: SubsystemTrend,
	IndRSI14:      SubsystemMomentum,
	IndROC10:      SubsystemMomentum,
	IndStochK:     SubsystemOscillator,
	IndBBPercentB: SubsystemOscillator,
	IndMACDLine:   SubsystemMACD,
	IndMACDSignal: SubsystemMACD,
	IndMACDHist:   SubsystemMACD,
}

// SubsystemOf returns the group of a known indicator name.
func SubsystemOf(name string) (Subsystem, bool) {
	s, ok := subsystems[name]
	return s, ok
}

// MarketState is one snapshot. Indicators are normalized to [0,1] with 0.5
// as the neutral reading.
type MarketState struct {
	Prices     []float64          `json:"prices"`
	Volumes    []float64          `json:"volumes"`
	Indicators map[string]float64 `json:"indicators"`
	Timestamp  time.Time          `json:"timestamp"`
}

// LastPrice returns the most recent price, or 0.
func (s MarketState) LastPrice() float64 {
	if n := len(s.Prices); n > 0 {
		return s.Prices[n-1]
	}
	return 0
}

// Thresholds drive ClassifyRegime.
type Thresholds struct {
	LinearActivation     float64 `json:"linear_activation"`
	LinearPurity         float64 `json:"linear_purity"`
	LinearIntegration    float64 `json:"linear_integration"`
	BreakdownVolatility  float64 `json:"breakdown_volatility"`
	BreakdownPurity      float64 `json:"breakdown_purity"`
	BreakdownIntegration float64 `json:"breakdown_integration"`
	VolatilityWindow     int     `json:"volatility_window"`
}

// DefaultThresholds are the heuristic defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LinearActivation:     0.3,
		LinearPurity:         0.7,
		LinearIntegration:    0.6,
		BreakdownVolatility:  0.15,
		BreakdownPurity:      0.3,
		BreakdownIntegration: 0.3,
		VolatilityWindow:     20,
	}
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func clamp01(x float64) float64 { return math.Max(0, math.Min(1, x)) }

// sortedKeys returns the finite entries of m in name order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if finite(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Surprise is the Euclidean distance between predicted and actual over
// their shared indicators divided by the magnitude of actual, clamped to
// [0,1]. Returns 0 when nothing is comparable, and 1 when actual has zero
// magnitude but predicted differs from it.
func Surprise(predicted, actual map[string]float64) float64 {
	var dist, mag float64
	shared := 0
	for _, k := range sortedKeys(actual) {
		p, ok := predicted[k]
		if !ok || !finite(p) {
			continue
		}
		a := actual[k]
		dist += (p - a) * (p - a)
		mag += a * a
		shared++
	}
	if shared == 0 || dist == 0 {
		return 0
	}
	if mag == 0 {
		return 1
	}
	return clamp01(math.Sqrt(dist) / math.Sqrt(mag))
}

// Integration is the mean pairwise agreement between subsystem means,
// with agreement 1 − |meanA − meanB|. Returns 0.5 when fewer than two
// subsystems are present.
func Integration(indicators map[string]float64) float64 {
	sums := make(map[Subsystem]float64)
	counts := make(map[Subsystem]int)
	for _, k := range sortedKeys(indicators) {
		sub, ok := subsystems[k]
		if !ok {
			continue
		}
		sums[sub] += clamp01(indicators[k])
		counts[sub]++
	}

	groups := []Subsystem{SubsystemTrend, SubsystemMomentum, SubsystemOscillator, SubsystemMACD}
	means := make([]float64, 0, len(groups))
	for _, g := range groups {
		if counts[g] > 0 {
			means = append(means, sums[g]/float64(counts[g]))
		}
	}
	if len(means) < 2 {
		return neutralReading
	}

	var total float64
	pairs := 0
	for i := 0; i < len(means); i++ {
		for j := i + 1; j < len(means); j++ {
			total += 1 - math.Abs(means[i]-means[j])
			pairs++
		}
	}
	return clamp01(total / float64(pairs))
}

// StatePurity is 1 − min(4·variance, 1) over the normalized values. Returns
// 0.5 with no values.
func StatePurity(indicators map[string]float64) float64 {
	keys := sortedKeys(indicators)
	if len(keys) == 0 {
		return neutralReading
	}
	var mean float64
	for _, k := range keys {
		mean += clamp01(indicators[k])
	}
	mean /= float64(len(keys))
	var variance float64
	for _, k := range keys {
		d := clamp01(indicators[k]) - mean
		variance += d * d
	}
	variance /= float64(len(keys))
	return 1 - math.Min(4*variance, 1)
}

// Confidence is purity × (1 − surprise). Returns 0 on non-finite input.
func Confidence(surprise, purity float64) float64 {
	if !finite(surprise) || !finite(purity) {
		return 0
	}
	return clamp01(purity) * (1 - clamp01(surprise))
}

// Activation is the mean absolute deviation of the indicators from the
// neutral reading. Returns 0 with no values.
func Activation(indicators map[string]float64) float64 {
	keys := sortedKeys(indicators)
	if len(keys) == 0 {
		return 0
	}
	var sum float64
	for _, k := range keys {
		sum += math.Abs(clamp01(indicators[k]) - neutralReading)
	}
	return sum / float64(len(keys))
}

// Volatility is the coefficient of variation of the last window prices.
// Returns 0 with fewer than two usable prices or a non-positive mean.
func Volatility(prices []float64, window int) float64 {
	if window <= 0 {
		window = DefaultThresholds().VolatilityWindow
	}
	if len(prices) > window {
		prices = prices[len(prices)-window:]
	}
	vals := make([]float64, 0, len(prices))
	for _, p := range prices {
		if finite(p) {
			vals = append(vals, p)
		}
	}
	if len(vals) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance/float64(len(vals))) / mean
}

// Classify maps the four measures to a regime. Volatility above its
// threshold is a breakdown whatever the other measures say. Non-finite
// input yields GEOMETRIC.
func (t Thresholds) Classify(activation, volatility, integration, purity float64) Regime {
	for _, x := range []float64{activation, volatility, integration, purity} {
		if !finite(x) {
			return RegimeGeometric
		}
	}
	if volatility > t.BreakdownVolatility {
		return RegimeBreakdown
	}
	if activation < t.LinearActivation && purity > t.LinearPurity && integration > t.LinearIntegration {
		return RegimeLinear
	}
	if purity < t.BreakdownPurity || integration < t.BreakdownIntegration {
		return RegimeBreakdown
	}
	return RegimeGeometric
}

// ClassifyRegime computes activation and volatility from state and
// classifies it.
func ClassifyRegime(state MarketState, integration, purity float64, t Thresholds) Regime {
	return t.Classify(Activation(state.Indicators), Volatility(state.Prices, t.VolatilityWindow), integration, purity)
}

// AttentionWeights is a softmax over each indicator's distance from the
// neutral reading with temperature 0.5 + surprise. Weights are strictly
// positive and sum to 1. Non-finite surprise flattens to a uniform
// distribution.
func AttentionWeights(indicators map[string]float64, surprise float64) map[string]float64 {
	keys := make([]string, 0, len(indicators))
	for k := range indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	weights := make(map[string]float64, len(keys))
	if len(keys) == 0 {
		return weights
	}

	uniform := func() map[string]float64 {
		for _, k := range keys {
			weights[k] = 1 / float64(len(keys))
		}
		return weights
	}
	if !finite(surprise) {
		return uniform()
	}

	temp := 0.5 + clamp01(surprise)
	scores := make([]float64, len(keys))
	maxScore := math.Inf(-1)
	for i, k := range keys {
		d := 0.0
		if v := indicators[k]; finite(v) {
			d = math.Abs(clamp01(v) - neutralReading)
		}
		scores[i] = d / temp
		maxScore = math.Max(maxScore, scores[i])
	}
	var sum float64
	for i := range scores {
		scores[i] = math.Exp(scores[i] - maxScore)
		sum += scores[i]
	}
	if !finite(sum) || sum <= 0 {
		return uniform()
	}
	for i, k := range keys {
		weights[k] = scores[i] / sum
	}
	return weights
}
