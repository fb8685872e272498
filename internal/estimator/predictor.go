package estimator

import (
	"math"
	"sync"
)

// Prediction is the expected next state.
type Prediction struct {
	Indicators map[string]float64 `json:"indicators"`
	NextPrice  float64            `json:"next_price"`
}

// Predictor keeps a bounded history of observed states and predicts the
// next one.
type Predictor struct {
	mu       sync.Mutex
	history  []MarketState
	capacity int
	window   int
	decay    float64
}

// NewPredictor keeps up to capacity states (at most 100) and weights the
// last window of them, each older state counting decay times the next.
func NewPredictor(capacity, window int, decay float64) *Predictor {
	if capacity <= 0 || capacity > 100 {
		capacity = 100
	}
	if window <= 0 {
		window = 5
	}
	if decay <= 0 || decay >= 1 {
		decay = 0.5
	}
	return &Predictor{capacity: capacity, window: window, decay: decay}
}

// Observe appends a state, dropping the oldest beyond capacity.
func (p *Predictor) Observe(s MarketState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, s)
	if over := len(p.history) - p.capacity; over > 0 {
		p.history = append([]MarketState(nil), p.history[over:]...)
	}
}

// Len returns the number of retained states.
func (p *Predictor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// Predict returns the expected state. With no history the prediction is
// current itself, so its surprise is zero.
func (p *Predictor) Predict(current MarketState) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.history) == 0 {
		ind := make(map[string]float64, len(current.Indicators))
		for k, v := range current.Indicators {
			ind[k] = v
		}
		return Prediction{Indicators: ind, NextPrice: current.LastPrice()}
	}

	recent := p.history
	if len(recent) > p.window {
		recent = recent[len(recent)-p.window:]
	}

	sums := make(map[string]float64)
	weights := make(map[string]float64)
	w := 1.0
	for i := len(recent) - 1; i >= 0; i-- {
		for k, v := range recent[i].Indicators {
			if finite(v) {
				sums[k] += w * v
				weights[k] += w
			}
		}
		w *= p.decay
	}
	ind := make(map[string]float64, len(sums))
	for k, s := range sums {
		ind[k] = s / weights[k]
	}

	last := recent[len(recent)-1]
	return Prediction{Indicators: ind, NextPrice: ExtrapolatePrice(last.Prices, 20)}
}

// ExtrapolatePrice fits a least-squares line over the last window prices
// and evaluates it one step ahead. With fewer than two prices it returns
// the last price, or 0.
func ExtrapolatePrice(prices []float64, window int) float64 {
	if window > 0 && len(prices) > window {
		prices = prices[len(prices)-window:]
	}
	ys := make([]float64, 0, len(prices))
	for _, v := range prices {
		if finite(v) {
			ys = append(ys, v)
		}
	}
	n := len(ys)
	switch n {
	case 0:
		return 0
	case 1:
		return ys[0]
	}

	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return ys[n-1]
	}
	slope := (fn*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / fn
	next := intercept + slope*fn
	if !finite(next) {
		return ys[n-1]
	}
	return math.Max(next, 0)
}
