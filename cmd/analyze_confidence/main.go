package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trading-autopilot/internal/estimator"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/logging"
)

// Sample is one replayed estimator assessment with the move that followed.
type Sample struct {
	Confidence float64
	Regime     estimator.Regime
	Predicted  float64 // extrapolated direction, sign only
	Move       float64 // forward return over the horizon
	At         time.Time
}

// Hit reports whether the extrapolated direction matched the move.
func (s Sample) Hit() bool {
	return s.Predicted*s.Move > 0
}

type ConfidenceBucket struct {
	MinConf float64
	MaxConf float64
	Samples int
	Hits    int
	Misses  int
	AbsMove float64
	HitRate float64
	AvgMove float64
}

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "futures symbol")
	timeframe := flag.String("timeframe", "15m", "candle interval")
	limit := flag.Int("limit", 1000, "candles to fetch")
	window := flag.Int("window", 100, "candles per assessment")
	horizon := flag.Int("horizon", 4, "candles ahead to score")
	flag.Parse()

	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := exchange.DefaultFuturesConfig()
	cfg.Testnet = os.Getenv("FUTURES_TESTNET") == "true"
	client := exchange.NewFuturesClient(cfg, logging.Nop())

	candles, err := client.HistoricalCandles(ctx, *symbol, *timeframe, *limit)
	if err != nil {
		fmt.Printf("Failed to fetch candles: %v\n", err)
		os.Exit(1)
	}

	rule := strings.Repeat("=", 80)
	fmt.Println(rule)
	fmt.Printf("CONFIDENCE REPLAY %s %s (%d candles)\n", *symbol, *timeframe, len(candles))
	fmt.Println(rule)

	samples := Replay(estimator.DefaultConfig(), candles, *window, *horizon)
	if len(samples) == 0 {
		fmt.Printf("\nNot enough candles: need more than %d\n", *window+*horizon)
		return
	}

	buckets := Bucketize(samples)
	fmt.Println("\nConfidence        Samples   Hits  Misses  Hit Rate  Avg |Move|")
	for _, b := range buckets {
		fmt.Printf("%5.0f%% - %5.0f%%   %7d  %5d  %6d  %7.1f%%  %9.3f%%\n",
			b.MinConf*100, b.MaxConf*100, b.Samples, b.Hits, b.Misses, b.HitRate, b.AvgMove*100)
	}

	fmt.Println("\n" + rule)
	fmt.Println("THRESHOLD COMPARISON")
	fmt.Println(rule)
	for _, threshold := range []float64{0.35, 0.50, 0.55, 0.65, 0.75} {
		in, out := Split(samples, threshold)
		fmt.Printf("\nThreshold %.0f%%\n", threshold*100)
		fmt.Printf("   included: %d samples, hit rate %.1f%%\n", in.Samples, in.HitRate)
		fmt.Printf("   excluded: %d samples, hit rate %.1f%%\n", out.Samples, out.HitRate)
	}

	fmt.Println("\n" + rule)
	fmt.Println("REGIMES")
	fmt.Println(rule)
	for _, r := range ByRegime(samples) {
		fmt.Printf("   %-10s %6d samples  avg confidence %.3f  hit rate %.1f%%\n",
			r.Regime, r.Samples, r.AvgConfidence, r.HitRate)
	}
}

// Replay slides a window over candles, assessing each window with one
// estimator so the predictor accumulates history as a live session would.
func Replay(cfg estimator.Config, candles []exchange.Candle, window, horizon int) []Sample {
	if window <= 0 || horizon <= 0 {
		return nil
	}
	est := estimator.New(cfg)
	var out []Sample
	for end := window; end+horizon <= len(candles); end++ {
		a := est.EvaluateCandles(candles[end-window : end])
		last := candles[end-1].Close
		if last <= 0 {
			continue
		}
		out = append(out, Sample{
			Confidence: a.Confidence,
			Regime:     a.Regime,
			Predicted:  a.NextPrice - last,
			Move:       candles[end+horizon-1].Close/last - 1,
			At:         candles[end-1].CloseTime,
		})
	}
	return out
}

// Bucketize groups samples into fixed confidence bands.
func Bucketize(samples []Sample) []ConfidenceBucket {
	buckets := []ConfidenceBucket{
		{MinConf: 0.00, MaxConf: 0.35},
		{MinConf: 0.35, MaxConf: 0.50},
		{MinConf: 0.50, MaxConf: 0.55},
		{MinConf: 0.55, MaxConf: 0.65},
		{MinConf: 0.65, MaxConf: 0.75},
		{MinConf: 0.75, MaxConf: 1.00},
	}
	for _, s := range samples {
		for i := range buckets {
			last := i == len(buckets)-1
			if s.Confidence >= buckets[i].MinConf && (s.Confidence < buckets[i].MaxConf || last) {
				buckets[i].add(s)
				break
			}
		}
	}
	for i := range buckets {
		buckets[i].finish()
	}
	return buckets
}

// Split scores samples at or above threshold against those below.
func Split(samples []Sample, threshold float64) (in, out ConfidenceBucket) {
	in = ConfidenceBucket{MinConf: threshold, MaxConf: 1}
	out = ConfidenceBucket{MinConf: 0, MaxConf: threshold}
	for _, s := range samples {
		if s.Confidence >= threshold {
			in.add(s)
		} else {
			out.add(s)
		}
	}
	in.finish()
	out.finish()
	return in, out
}

func (b *ConfidenceBucket) add(s Sample) {
	b.Samples++
	if s.Hit() {
		b.Hits++
	} else {
		b.Misses++
	}
	if s.Move < 0 {
		b.AbsMove -= s.Move
	} else {
		b.AbsMove += s.Move
	}
}

func (b *ConfidenceBucket) finish() {
	if b.Samples == 0 {
		return
	}
	b.HitRate = float64(b.Hits) / float64(b.Samples) * 100
	b.AvgMove = b.AbsMove / float64(b.Samples)
}

type RegimeStats struct {
	Regime        estimator.Regime
	Samples       int
	AvgConfidence float64
	HitRate       float64
}

// ByRegime summarizes samples per regime, most frequent first.
func ByRegime(samples []Sample) []RegimeStats {
	idx := make(map[estimator.Regime]int)
	var stats []RegimeStats
	hits := make(map[estimator.Regime]int)
	for _, s := range samples {
		i, ok := idx[s.Regime]
		if !ok {
			i = len(stats)
			idx[s.Regime] = i
			stats = append(stats, RegimeStats{Regime: s.Regime})
		}
		stats[i].Samples++
		stats[i].AvgConfidence += s.Confidence
		if s.Hit() {
			hits[s.Regime]++
		}
	}
	for i := range stats {
		n := float64(stats[i].Samples)
		stats[i].AvgConfidence /= n
		stats[i].HitRate = float64(hits[stats[i].Regime]) / n * 100
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Samples > stats[j].Samples })
	return stats
}
