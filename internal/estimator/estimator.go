package estimator

import (
	"time"

	"trading-autopilot/internal/exchange"
)

// Config configures an Estimator.
type Config struct {
	Thresholds       Thresholds `json:"thresholds"`
	HistorySize      int        `json:"history_size"`
	PredictionWindow int        `json:"prediction_window"`
	Decay            float64    `json:"decay"`
}

// DefaultConfig returns the default thresholds and predictor settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		HistorySize:      100,
		PredictionWindow: 5,
		Decay:            0.5,
	}
}

// Assessment is the full evaluation of one snapshot.
type Assessment struct {
	Surprise       float64            `json:"surprise"`
	Integration    float64            `json:"integration"`
	Purity         float64            `json:"purity"`
	Confidence     float64            `json:"confidence"`
	Activation     float64            `json:"activation"`
	Volatility     float64            `json:"volatility"`
	Regime         Regime             `json:"regime"`
	Weights        map[string]float64 `json:"weights"`
	PredictedPrice float64            `json:"predicted_price"`
	NextPrice      float64            `json:"next_price"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Estimator scores snapshots against its own rolling prediction. One
// Estimator belongs to one session.
type Estimator struct {
	cfg       Config
	predictor *Predictor
}

// New creates an Estimator.
func New(cfg Config) *Estimator {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Estimator{
		cfg:       cfg,
		predictor: NewPredictor(cfg.HistorySize, cfg.PredictionWindow, cfg.Decay),
	}
}

// Evaluate scores state against the prediction made from previous
// snapshots, then records state for the next call.
func (e *Estimator) Evaluate(state MarketState) Assessment {
	pred := e.predictor.Predict(state)

	a := Assessment{
		Surprise:       Surprise(pred.Indicators, state.Indicators),
		Integration:    Integration(state.Indicators),
		Purity:         StatePurity(state.Indicators),
		Activation:     Activation(state.Indicators),
		Volatility:     Volatility(state.Prices, e.cfg.Thresholds.VolatilityWindow),
		PredictedPrice: pred.NextPrice,
		NextPrice:      ExtrapolatePrice(state.Prices, 20),
		Timestamp:      state.Timestamp,
	}
	a.Confidence = Confidence(a.Surprise, a.Purity)
	a.Regime = e.cfg.Thresholds.Classify(a.Activation, a.Volatility, a.Integration, a.Purity)
	a.Weights = AttentionWeights(state.Indicators, a.Surprise)

	e.predictor.Observe(state)
	return a
}

// EvaluateCandles normalizes candles and evaluates the result.
func (e *Estimator) EvaluateCandles(candles []exchange.Candle) Assessment {
	return e.Evaluate(Normalize(candles))
}

// Observed returns how many snapshots the predictor retains.
func (e *Estimator) Observed() int { return e.predictor.Len() }
