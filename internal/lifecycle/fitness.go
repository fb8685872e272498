package lifecycle

import "math"

// Fitness weights. They sum to 1 so a perfect strategy scores 1.
const (
	weightWinRate      = 0.35
	weightProfitFactor = 0.30
	weightSharpe       = 0.20
	weightDrawdown     = 0.15

	profitFactorCap = 3.0
)

// Fitness scores a performance in [0,1]. It increases with win rate and
// profit factor (saturating at 3), rewards Sharpe in [-1,3] and is reduced
// by drawdown. Non-finite inputs count as their worst value.
func Fitness(p Performance) float64 {
	win := clamp01(finite(p.WinRate, 0))
	pf := math.Min(math.Max(finite(p.ProfitFactor, 0), 0), profitFactorCap) / profitFactorCap
	sharpe := clamp01((finite(p.Sharpe, -1) + 1) / 4)
	dd := 1 - math.Min(math.Abs(finite(p.MaxDrawdown, 1)), 1)

	f := weightWinRate*win + weightProfitFactor*pf + weightSharpe*sharpe + weightDrawdown*dd
	return clamp01(f)
}

func finite(x, fallback float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fallback
	}
	return x
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
