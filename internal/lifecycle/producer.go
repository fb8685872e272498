package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"

	"trading-autopilot/internal/strategy"
)

// SamplingProducer draws random parameter sets around the algorithm
// defaults. It stands in for an external generator.
type SamplingProducer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSamplingProducer returns a producer seeded with seed.
func NewSamplingProducer(seed int64) *SamplingProducer {
	return &SamplingProducer{rng: rand.New(rand.NewSource(seed))}
}

func (p *SamplingProducer) Generate(ctx context.Context, c Constraints) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	if len(c.Symbols) == 0 || len(c.Timeframes) == 0 {
		return Candidate{}, errors.New("constraints need at least one symbol and timeframe")
	}
	algos := c.Algorithms
	if len(algos) == 0 {
		algos = strategy.Algorithms
	}

	p.mu.Lock()
	algo := algos[p.rng.Intn(len(algos))]
	symbol := c.Symbols[p.rng.Intn(len(c.Symbols))]
	tf := c.Timeframes[p.rng.Intn(len(c.Timeframes))]
	params := p.sample(algo)
	p.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return Candidate{}, err
	}
	kind := KindSingle
	if len(c.ParentIDs) >= 2 {
		kind = KindCombo
	}
	return Candidate{
		Kind:       kind,
		Symbol:     symbol,
		Timeframe:  tf,
		Parameters: raw,
		Generation: c.Generation,
		ParentIDs:  c.ParentIDs,
	}, nil
}

func (p *SamplingProducer) between(lo, hi int) int {
	return lo + p.rng.Intn(hi-lo+1)
}

func (p *SamplingProducer) sample(algo strategy.Algorithm) strategy.Params {
	params := strategy.DefaultParams(algo)
	switch algo {
	case strategy.AlgoSMACrossover:
		fast := p.between(3, 30)
		params.SMACrossover.FastPeriod = fast
		params.SMACrossover.SlowPeriod = fast + p.between(5, 60)
	case strategy.AlgoRSIReversion:
		params.RSIReversion.Period = p.between(7, 28)
		params.RSIReversion.Oversold = float64(p.between(15, 35))
		params.RSIReversion.Overbought = float64(p.between(65, 85))
	case strategy.AlgoMACDMomentum:
		fast := p.between(6, 16)
		params.MACDMomentum.FastPeriod = fast
		params.MACDMomentum.SlowPeriod = fast + p.between(8, 20)
		params.MACDMomentum.SignalPeriod = p.between(5, 12)
	}
	return params
}
