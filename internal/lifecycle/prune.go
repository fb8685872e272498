package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// PruneResult is the outcome of PruneForDiversity.
type PruneResult struct {
	Kept            []*Strategy `json:"kept"`
	Removed         []*Strategy `json:"removed"`
	DiversityBefore float64     `json:"diversity_before"`
	DiversityAfter  float64     `json:"diversity_after"`
}

// Similarity is the correlation proxy between two strategies in [0,1]:
// parameter-vector closeness, indicator overlap and market overlap.
func Similarity(a, b *Strategy) float64 {
	va, vb := a.Parameters.Vector(), b.Parameters.Vector()
	var sum float64
	for i := range va {
		d := va[i] - vb[i]
		sum += d * d
	}
	params := 1 - math.Sqrt(sum)/math.Sqrt(float64(len(va)))

	market := 0.0
	if a.Symbol == b.Symbol && a.Timeframe == b.Timeframe {
		market = 1
	}
	return clamp01(0.6*params + 0.3*jaccard(a.Indicators, b.Indicators) + 0.1*market)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]int, len(a)+len(b))
	for _, x := range a {
		set[x] |= 1
	}
	for _, x := range b {
		set[x] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// Diversity is 1 minus the mean pairwise similarity. Populations with
// fewer than two members are fully diverse.
func Diversity(pop []*Strategy) float64 {
	if len(pop) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(pop); i++ {
		for j := i + 1; j < len(pop); j++ {
			sum += Similarity(pop[i], pop[j])
			pairs++
		}
	}
	return 1 - sum/float64(pairs)
}

// PruneForDiversity drops the lower-fitness member of the most similar pair
// until diversity reaches MinDiversity or only MinPopulation remain. The
// result depends only on the input set, not its order: members are
// processed by ID and ties fall to the lexicographically larger ID.
func (m *Manager) PruneForDiversity(population []*Strategy) PruneResult {
	pop := make([]*Strategy, len(population))
	copy(pop, population)
	sort.Slice(pop, func(i, j int) bool { return pop[i].ID < pop[j].ID })

	res := PruneResult{DiversityBefore: Diversity(pop)}
	floor := m.cfg.MinPopulation
	if floor < 2 {
		floor = 2
	}

	for len(pop) > floor && Diversity(pop) < m.cfg.MinDiversity {
		bi, bj, best := -1, -1, -1.0
		for i := 0; i < len(pop); i++ {
			for j := i + 1; j < len(pop); j++ {
				if s := Similarity(pop[i], pop[j]); s > best {
					bi, bj, best = i, j, s
				}
			}
		}

		drop := bj
		if pop[bi].Fitness < pop[bj].Fitness {
			drop = bi
		}
		res.Removed = append(res.Removed, pop[drop])
		pop = append(pop[:drop], pop[drop+1:]...)
	}

	res.Kept = pop
	res.DiversityAfter = Diversity(pop)
	return res
}

// PruneGeneration prunes the backtested members of a generation and
// retires the removed ones.
func (m *Manager) PruneGeneration(ctx context.Context, generation int) (PruneResult, error) {
	pop, err := m.store.ListStrategies(ctx, Filter{Status: StatusBacktested, Generation: &generation})
	if err != nil {
		return PruneResult{}, fmt.Errorf("list generation %d: %w", generation, err)
	}
	res := m.PruneForDiversity(pop)
	for _, s := range res.Removed {
		if _, err := m.Retire(ctx, s.ID, "pruned for diversity"); err != nil {
			return res, fmt.Errorf("retire %s: %w", s.ID, err)
		}
	}
	m.logger.Info("Generation pruned",
		"generation", generation, "removed", len(res.Removed), "kept", len(res.Kept),
		"diversity_before", res.DiversityBefore, "diversity_after", res.DiversityAfter)
	return res, nil
}
