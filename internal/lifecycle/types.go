// Package lifecycle owns strategy records and moves them through
// generated → backtested → paper_trading → live → retired, scoring fitness
// on the way and keeping each generation diverse.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"trading-autopilot/internal/strategy"
)

var (
	// ErrNotFound is returned by stores for unknown strategy IDs.
	ErrNotFound = errors.New("strategy not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the strategy's current status.
	ErrInvalidTransition = errors.New("invalid strategy transition")
)

// Status of a strategy.
type Status string

const (
	StatusGenerated    Status = "generated"
	StatusBacktested   Status = "backtested"
	StatusPaperTrading Status = "paper_trading"
	StatusLive         Status = "live"
	StatusRetired      Status = "retired"
	StatusError        Status = "error"
)

// Kind distinguishes single-algorithm strategies from combinations.
type Kind string

const (
	KindSingle Kind = "single"
	KindCombo  Kind = "combo"
)

// Performance is a backtest or paper-trading result.
type Performance struct {
	WinRate      float64       `json:"win_rate"`
	ProfitFactor float64       `json:"profit_factor"`
	Sharpe       float64       `json:"sharpe"`
	MaxDrawdown  float64       `json:"max_drawdown"`
	TotalReturn  float64       `json:"total_return"`
	Trades       int           `json:"trades"`
	Duration     time.Duration `json:"duration"`
}

// Strategy is the lifecycle record.
type Strategy struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Kind             Kind            `json:"kind"`
	Algorithm        string          `json:"algorithm"`
	Symbol           string          `json:"symbol"`
	Timeframe        string          `json:"timeframe"`
	Parameters       strategy.Params `json:"parameters"`
	Indicators       []string        `json:"indicators"`
	Code             string          `json:"code,omitempty"`
	Status           Status          `json:"status"`
	Performance      *Performance    `json:"performance,omitempty"`
	PaperPerformance *Performance    `json:"paper_performance,omitempty"`
	Generation       int             `json:"generation"`
	ParentIDs        []string        `json:"parent_ids,omitempty"`
	Fitness          float64         `json:"fitness"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	RetireReason     string          `json:"retire_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	BacktestedAt     *time.Time      `json:"backtested_at,omitempty"`
	PaperStartedAt   *time.Time      `json:"paper_started_at,omitempty"`
	LivePromotedAt   *time.Time      `json:"live_promoted_at,omitempty"`
	RetiredAt        *time.Time      `json:"retired_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	out := *s
	out.Parameters = s.Parameters.Clone()
	out.Indicators = cloneStrings(s.Indicators)
	out.ParentIDs = cloneStrings(s.ParentIDs)
	out.Performance = clonePerf(s.Performance)
	out.PaperPerformance = clonePerf(s.PaperPerformance)
	out.BacktestedAt = cloneTime(s.BacktestedAt)
	out.PaperStartedAt = cloneTime(s.PaperStartedAt)
	out.LivePromotedAt = cloneTime(s.LivePromotedAt)
	out.RetiredAt = cloneTime(s.RetiredAt)
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func clonePerf(p *Performance) *Performance {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Candidate is what a producer yields. Parameters is the raw versioned
// parameter document.
type Candidate struct {
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Parameters json.RawMessage `json:"parameters"`
	Indicators []string        `json:"indicators,omitempty"`
	Code       string          `json:"code,omitempty"`
	Generation int             `json:"generation"`
	ParentIDs  []string        `json:"parent_ids,omitempty"`
}

// Constraints narrow what a producer may generate.
type Constraints struct {
	Symbols    []string             `json:"symbols"`
	Timeframes []string             `json:"timeframes"`
	Algorithms []strategy.Algorithm `json:"algorithms"`
	Generation int                  `json:"generation"`
	ParentIDs  []string             `json:"parent_ids,omitempty"`
}

// StrategyProducer yields candidates. Its internals are opaque.
type StrategyProducer interface {
	Generate(ctx context.Context, c Constraints) (Candidate, error)
}

// BacktestRunner evaluates a strategy over history.
type BacktestRunner interface {
	Backtest(ctx context.Context, s *Strategy) (Performance, error)
}

// BacktestResult is a finished backtest. Err is set when the backtest
// itself failed rather than the strategy performing badly.
type BacktestResult struct {
	Performance Performance
	Err         error
}

// Decision is the outcome of a guarded promotion.
type Decision struct {
	Approved bool   `json:"approved"`
	From     Status `json:"from"`
	To       Status `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// Filter selects strategies in List.
type Filter struct {
	Status     Status
	Symbol     string
	Generation *int
}

// Match reports whether s passes the filter.
func (f Filter) Match(s *Strategy) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Symbol != "" && s.Symbol != f.Symbol {
		return false
	}
	if f.Generation != nil && s.Generation != *f.Generation {
		return false
	}
	return true
}

// StrategyStore persists strategy records. SaveStrategy upserts.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, s *Strategy) error
	GetStrategy(ctx context.Context, id string) (*Strategy, error)
	ListStrategies(ctx context.Context, f Filter) ([]*Strategy, error)
}
