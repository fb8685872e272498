package banking

import (
	"time"

	"trading-autopilot/internal/faults"
)

// Config is the hot-reloadable banking configuration. Percentages and
// thresholds are fractions; amounts are in the margin asset.
type Config struct {
	Enabled                bool          `json:"enabled" mapstructure:"enabled"`
	BankingPercentage      float64       `json:"banking_percentage" mapstructure:"banking_percentage"`
	MinimumProfitThreshold float64       `json:"minimum_profit_threshold" mapstructure:"minimum_profit_threshold"`
	MaximumSingleTransfer  float64       `json:"maximum_single_transfer" mapstructure:"maximum_single_transfer"`
	BankingInterval        time.Duration `json:"banking_interval" mapstructure:"banking_interval"`
	EmergencyStopThreshold float64       `json:"emergency_stop_threshold" mapstructure:"emergency_stop_threshold"`
	MaxDailyBanking        float64       `json:"max_daily_banking" mapstructure:"max_daily_banking"`
	Asset                  string        `json:"asset" mapstructure:"asset"`
	// AccountUserID owns the exchange account profits are banked from.
	AccountUserID string `json:"account_user_id" mapstructure:"account_user_id"`
}

// DefaultConfig banks 30% of profit every 6h and halts at 25% drawdown.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		BankingPercentage:      0.30,
		MinimumProfitThreshold: 50,
		MaximumSingleTransfer:  10000,
		BankingInterval:        6 * time.Hour,
		EmergencyStopThreshold: 0.25,
		MaxDailyBanking:        50000,
		Asset:                  "USDT",
	}
}

// MinInterval is the shortest accepted banking interval.
const MinInterval = time.Minute

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.BankingPercentage <= 0 || c.BankingPercentage > 1:
		return faults.Invalid("banking_percentage", "must be within (0,1], got %v", c.BankingPercentage)
	case c.MinimumProfitThreshold < 0:
		return faults.Invalid("minimum_profit_threshold", "must not be negative")
	case c.MaximumSingleTransfer <= 0:
		return faults.Invalid("maximum_single_transfer", "must be positive")
	case c.MaxDailyBanking <= 0:
		return faults.Invalid("max_daily_banking", "must be positive")
	case c.EmergencyStopThreshold <= 0 || c.EmergencyStopThreshold >= 1:
		return faults.Invalid("emergency_stop_threshold", "must be within (0,1), got %v", c.EmergencyStopThreshold)
	case c.BankingInterval < MinInterval:
		return faults.Invalid("banking_interval", "must be at least %s", MinInterval)
	case c.Asset == "":
		return faults.Invalid("asset", "required")
	case c.AccountUserID == "":
		return faults.Invalid("account_user_id", "required")
	}
	return nil
}
