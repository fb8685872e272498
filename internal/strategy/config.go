package strategy

import (
	"strings"

	"trading-autopilot/internal/faults"
)

// Config is the strategy part of a trading session.
type Config struct {
	StrategyID    string  `json:"strategy_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	CandleLimit   int     `json:"candle_limit"`
	OrderQuantity float64 `json:"order_quantity"`
	// MinConfidence overrides the orchestrator-wide gate when positive.
	MinConfidence float64 `json:"min_confidence,omitempty"`
	Params        Params  `json:"params"`
}

// Normalize fills defaults and canonicalizes the symbol.
func (c *Config) Normalize() {
	c.Symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(c.Symbol), "/", ""))
	if c.Timeframe == "" {
		c.Timeframe = "1m"
	}
	if lb := c.Params.Lookback(); c.CandleLimit < lb+10 {
		c.CandleLimit = max(lb+10, 100)
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return faults.Invalid("symbol", "required")
	}
	if c.OrderQuantity <= 0 {
		return faults.Invalid("order_quantity", "must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return faults.Invalid("min_confidence", "must be within [0,1]")
	}
	return c.Params.Validate()
}
