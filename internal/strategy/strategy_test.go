package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
)

func candlesFrom(closes []float64) []exchange.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, len(closes))
	for i, c := range closes {
		out[i] = exchange.Candle{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			CloseTime: start.Add(time.Duration(i+1)*time.Minute - time.Millisecond),
			Open:      c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"sma ok", `{"schema_version":1,"algorithm":"sma_crossover","sma_crossover":{"fast_period":5,"slow_period":20}}`, false},
		{"rsi ok", `{"schema_version":1,"algorithm":"rsi_reversion","rsi_reversion":{"period":14,"oversold":25,"overbought":75}}`, false},
		{"macd ok", `{"schema_version":1,"algorithm":"macd_momentum","macd_momentum":{"fast_period":12,"slow_period":26,"signal_period":9}}`, false},
		{"unknown version", `{"schema_version":2,"algorithm":"sma_crossover","sma_crossover":{"fast_period":5,"slow_period":20}}`, true},
		{"unknown algorithm", `{"schema_version":1,"algorithm":"grid"}`, true},
		{"variant mismatch", `{"schema_version":1,"algorithm":"sma_crossover","rsi_reversion":{"period":14,"oversold":25,"overbought":75}}`, true},
		{"two variants", `{"schema_version":1,"algorithm":"sma_crossover","sma_crossover":{"fast_period":5,"slow_period":20},"rsi_reversion":{"period":14,"oversold":25,"overbought":75}}`, true},
		{"fast not below slow", `{"schema_version":1,"algorithm":"sma_crossover","sma_crossover":{"fast_period":30,"slow_period":20}}`, true},
		{"extra field", `{"schema_version":1,"algorithm":"sma_crossover","sma_crossover":{"fast_period":5,"slow_period":20,"x":1}}`, true},
		{"not json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, faults.CategoryValidation, faults.Classify(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDefaultParamsAreValid(t *testing.T) {
	for _, algo := range Algorithms {
		p := DefaultParams(algo)
		assert.NoError(t, p.Validate(), algo)
		assert.NotEmpty(t, p.Indicators())
		assert.Positive(t, p.Lookback())
		for _, x := range p.Vector() {
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		}
	}
}

func TestLookbackSafeOnMissingVariant(t *testing.T) {
	p := Params{SchemaVersion: 1, Algorithm: AlgoRSIReversion}
	assert.Zero(t, p.Lookback())
	assert.Error(t, p.Validate())
}

func TestSMACrossover_BuyOnCrossUp(t *testing.T) {
	p := Params{SchemaVersion: 1, Algorithm: AlgoSMACrossover, SMACrossover: &SMACrossoverParams{FastPeriod: 3, SlowPeriod: 10}}
	ex, err := NewExecutor("BTCUSDT", p)
	require.NoError(t, err)

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	closes = append(closes, 130)

	sig, err := ex.Evaluate(candlesFrom(closes))
	require.NoError(t, err)
	assert.Equal(t, SignalBuy, sig.Type)
	assert.True(t, sig.Actionable())
	assert.Equal(t, 130.0, sig.Price)
}

func TestSMACrossover_WarmupHolds(t *testing.T) {
	ex, err := NewExecutor("BTCUSDT", DefaultParams(AlgoSMACrossover))
	require.NoError(t, err)
	sig, err := ex.Evaluate(candlesFrom([]float64{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
	assert.False(t, sig.Actionable())
}

func TestRSIReversion(t *testing.T) {
	ex, err := NewExecutor("ETHUSDT", DefaultParams(AlgoRSIReversion))
	require.NoError(t, err)

	falling := make([]float64, 60)
	rising := make([]float64, 60)
	for i := range falling {
		falling[i] = 200 - float64(i)
		rising[i] = 100 + float64(i)
	}

	sig, err := ex.Evaluate(candlesFrom(falling))
	require.NoError(t, err)
	assert.Equal(t, SignalBuy, sig.Type)
	assert.Equal(t, 1.0, sig.Size)

	sig, err = ex.Evaluate(candlesFrom(rising))
	require.NoError(t, err)
	assert.Equal(t, SignalSell, sig.Type)
}

func TestMACDMomentum_FlipUp(t *testing.T) {
	ex, err := NewExecutor("BTCUSDT", DefaultParams(AlgoMACDMomentum))
	require.NoError(t, err)

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 200 - 0.05*float64(i*i)
	}
	closes = append(closes, closes[59]+150)

	sig, err := ex.Evaluate(candlesFrom(closes))
	require.NoError(t, err)
	assert.Equal(t, SignalBuy, sig.Type)
}

func TestConfig_NormalizeAndValidate(t *testing.T) {
	cfg := Config{Symbol: " btc/usdt ", OrderQuantity: 0.01, Params: DefaultParams(AlgoSMACrossover)}
	cfg.Normalize()
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "1m", cfg.Timeframe)
	assert.GreaterOrEqual(t, cfg.CandleLimit, 100)
	assert.NoError(t, cfg.Validate())

	cfg.OrderQuantity = 0
	assert.Error(t, cfg.Validate())
}
