package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trading-autopilot/internal/strategy"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MetricsSchemaVersion is the current PerformanceMetrics document version.
const MetricsSchemaVersion = 1

// SessionMode selects the exchange a session trades on.
type SessionMode string

const (
	ModePaper SessionMode = "paper"
	ModeLive  SessionMode = "live"
)

// RiskConfig bounds what a session may do. Loss limits are percentages.
type RiskConfig struct {
	MaxPositionQty       float64 `json:"max_position_qty"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

// DefaultRiskConfig is used when a session is started without one.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxConsecutiveLosses: 5,
		MaxDailyLossPercent:  5,
		MaxTradesPerMinute:   6,
		CooldownMinutes:      30,
	}
}

// PositionState is the last observed position of a session.
type PositionState struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PerformanceMetrics is the per-session metrics document.
type PerformanceMetrics struct {
	SchemaVersion  int       `json:"schema_version"`
	LastBalance    float64   `json:"last_balance"`
	PeakBalance    float64   `json:"peak_balance"`
	StartBalance   float64   `json:"start_balance"`
	LastSignal     string    `json:"last_signal"`
	LastPrice      float64   `json:"last_price"`
	LastConfidence float64   `json:"last_confidence"`
	LastRegime     string    `json:"last_regime"`
	TicksProcessed int64     `json:"ticks_processed"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	GrossProfit    float64   `json:"gross_profit"`
	GrossLoss      float64   `json:"gross_loss"`
	RealizedPnL    float64   `json:"realized_pnl"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	ErrorCount     int       `json:"error_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastTradeAt    time.Time `json:"last_trade_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WinRate is wins over closed trades, zero when none closed.
func (m *PerformanceMetrics) WinRate() float64 {
	closed := m.WinningTrades + m.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(m.WinningTrades) / float64(closed)
}

// ProfitFactor is gross profit over gross loss. With no losses it is the
// gross profit itself capped at 10, or zero with no trades at all.
func (m *PerformanceMetrics) ProfitFactor() float64 {
	if m.GrossLoss == 0 {
		if m.GrossProfit > 0 {
			return 10
		}
		return 0
	}
	return m.GrossProfit / m.GrossLoss
}

// EncodeMetrics serializes the document, stamping the current version.
func EncodeMetrics(m PerformanceMetrics) ([]byte, error) {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = MetricsSchemaVersion
	}
	if m.SchemaVersion != MetricsSchemaVersion {
		return nil, fmt.Errorf("encode metrics: unsupported schema_version %d", m.SchemaVersion)
	}
	return json.Marshal(m)
}

// DecodeMetrics parses a stored document. Documents written before
// versioning (no schema_version) are read as version 1; any other version
// is rejected.
func DecodeMetrics(raw []byte) (PerformanceMetrics, error) {
	var m PerformanceMetrics
	if len(raw) == 0 {
		m.SchemaVersion = MetricsSchemaVersion
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return PerformanceMetrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	switch m.SchemaVersion {
	case 0:
		m.SchemaVersion = MetricsSchemaVersion
	case MetricsSchemaVersion:
	default:
		return PerformanceMetrics{}, fmt.Errorf("decode metrics: unsupported schema_version %d", m.SchemaVersion)
	}
	return m, nil
}

// TradingSession is one running agent instance.
type TradingSession struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	Name            string             `json:"name"`
	Mode            SessionMode        `json:"mode"`
	StrategyID      string             `json:"strategy_id,omitempty"`
	IsActive        bool               `json:"is_active"`
	StrategyConfig  strategy.Config    `json:"strategy_config"`
	RiskConfig      RiskConfig         `json:"risk_config"`
	PositionState   PositionState      `json:"position_state"`
	Metrics         PerformanceMetrics `json:"metrics"`
	StartedAt       time.Time          `json:"started_at"`
	StoppedAt       *time.Time         `json:"stopped_at,omitempty"`
	LastHeartbeatAt *time.Time         `json:"last_heartbeat_at,omitempty"`
}

// BankingStatus of a ledger entry.
type BankingStatus string

const (
	BankingPending   BankingStatus = "pending"
	BankingCompleted BankingStatus = "completed"
	BankingFailed    BankingStatus = "failed"
)

// BankingTrigger records why a transfer ran.
type BankingTrigger string

const (
	TriggerAutomatic BankingTrigger = "automatic"
	TriggerManual    BankingTrigger = "manual"
	TriggerEmergency BankingTrigger = "emergency"
)

// BankingRecord is a write-once ledger entry.
type BankingRecord struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Amount        float64        `json:"amount"`
	TotalProfit   float64        `json:"total_profit"`
	BalanceBefore float64        `json:"balance_before"`
	BalanceAfter  float64        `json:"balance_after"`
	TransferID    string         `json:"transfer_id,omitempty"`
	Status        BankingStatus  `json:"status"`
	Trigger       BankingTrigger `json:"trigger"`
	Error         string         `json:"error,omitempty"`
}

// EmergencyStopState is the persisted banking emergency stop. Its absence
// means the stop is clear.
type EmergencyStopState struct {
	Reason    string    `json:"reason"`
	Drawdown  float64   `json:"drawdown"`
	TrippedAt time.Time `json:"tripped_at"`
}
