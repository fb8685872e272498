package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-autopilot/internal/events"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/strategy"
)

// Config holds promotion guards and pruning bounds.
type Config struct {
	MinBacktestFitness  float64       `json:"min_backtest_fitness"`
	MinBacktestTrades   int           `json:"min_backtest_trades"`
	MinPaperDuration    time.Duration `json:"min_paper_duration"`
	MinPaperTrades      int           `json:"min_paper_trades"`
	MinLiveWinRate      float64       `json:"min_live_win_rate"`
	MinLiveProfitFactor float64       `json:"min_live_profit_factor"`
	MinDiversity        float64       `json:"min_diversity"`
	MinPopulation       int           `json:"min_population"`
	BacktestConcurrency int           `json:"backtest_concurrency"`
}

// DefaultConfig returns the production guards.
func DefaultConfig() Config {
	return Config{
		MinBacktestFitness:  0.55,
		MinBacktestTrades:   20,
		MinPaperDuration:    72 * time.Hour,
		MinPaperTrades:      30,
		MinLiveWinRate:      0.55,
		MinLiveProfitFactor: 1.3,
		MinDiversity:        0.4,
		MinPopulation:       4,
		BacktestConcurrency: 4,
	}
}

// allowed lists the statuses reachable from each status.
var allowed = map[Status][]Status{
	StatusGenerated:    {StatusBacktested, StatusRetired, StatusError},
	StatusBacktested:   {StatusPaperTrading, StatusRetired, StatusError},
	StatusPaperTrading: {StatusLive, StatusRetired, StatusError},
	StatusLive:         {StatusRetired, StatusError},
}

// CanTransition reports whether from → to is a legal single step.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager is the only writer of strategy records.
type Manager struct {
	store   StrategyStore
	cfg     Config
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *logging.Logger
	now     func() time.Time

	// serializes read-modify-write cycles on records
	mu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

func WithEvents(bus *events.Bus) Option            { return func(m *Manager) { m.bus = bus } }
func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithLogger(l *logging.Logger) Option          { return func(m *Manager) { m.logger = l } }
func WithClock(now func() time.Time) Option        { return func(m *Manager) { m.now = now } }

// NewManager creates a manager over store.
func NewManager(store StrategyStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logging.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observability.NewMetrics("")
	}
	m.logger = m.logger.WithComponent("lifecycle")
	return m
}

// Config returns the active guards.
func (m *Manager) Config() Config { return m.cfg }

// Record stores a candidate as a new generated strategy.
func (m *Manager) Record(ctx context.Context, c Candidate) (*Strategy, error) {
	params, err := strategy.ParseParams(c.Parameters)
	if err != nil {
		m.metrics.RecordError("lifecycle", err)
		return nil, err
	}
	if c.Symbol == "" {
		return nil, faults.Invalid("symbol", "required")
	}
	if c.Timeframe == "" {
		return nil, faults.Invalid("timeframe", "required")
	}
	kind := c.Kind
	if kind == "" {
		kind = KindSingle
	}
	if kind != KindSingle && kind != KindCombo {
		return nil, faults.Invalid("kind", "unknown kind %q", kind)
	}
	if kind == KindCombo && len(c.ParentIDs) < 2 {
		return nil, faults.Invalid("parent_ids", "combo strategies need at least two parents")
	}
	indicators := c.Indicators
	if len(indicators) == 0 {
		indicators = params.Indicators()
	}

	now := m.now()
	s := &Strategy{
		ID:         uuid.NewString(),
		Name:       c.Name,
		Kind:       kind,
		Algorithm:  string(params.Algorithm),
		Symbol:     c.Symbol,
		Timeframe:  c.Timeframe,
		Parameters: params,
		Indicators: indicators,
		Code:       c.Code,
		Status:     StatusGenerated,
		Generation: c.Generation,
		ParentIDs:  c.ParentIDs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s-%s-g%d-%s", params.Algorithm, c.Symbol, c.Generation, s.ID[:8])
	}

	if err := m.store.SaveStrategy(ctx, s); err != nil {
		return nil, fmt.Errorf("save strategy: %w", err)
	}
	m.metrics.StrategyTransitions.WithLabelValues(string(StatusGenerated)).Inc()
	logging.StrategyContext(m.logger, s.ID, string(s.Status)).Info("Strategy recorded", "name", s.Name)
	return s, nil
}

// Get returns one strategy.
func (m *Manager) Get(ctx context.Context, id string) (*Strategy, error) {
	return m.store.GetStrategy(ctx, id)
}

// List returns strategies matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Strategy, error) {
	return m.store.ListStrategies(ctx, f)
}

// update loads id, applies fn under the manager lock and saves the result
// when fn returns nil.
func (m *Manager) update(ctx context.Context, id string, fn func(s *Strategy) error) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return s, err
	}
	s.UpdatedAt = m.now()
	if err := m.store.SaveStrategy(ctx, s); err != nil {
		return nil, fmt.Errorf("save strategy %s: %w", id, err)
	}
	return s, nil
}

func (m *Manager) transition(s *Strategy, to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	m.metrics.StrategyTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// ApplyBacktestResult moves a generated strategy to backtested with its
// performance and fitness, or to error when the backtest itself failed.
func (m *Manager) ApplyBacktestResult(ctx context.Context, id string, res BacktestResult) (*Strategy, error) {
	return m.update(ctx, id, func(s *Strategy) error {
		if res.Err != nil {
			return m.fail(s, res.Err)
		}
		if err := m.transition(s, StatusBacktested); err != nil {
			return err
		}
		perf := res.Performance
		now := m.now()
		s.Performance = &perf
		s.Fitness = Fitness(perf)
		s.BacktestedAt = &now
		s.ErrorMessage = ""
		logging.StrategyContext(m.logger, s.ID, string(s.Status)).Info("Backtest applied",
			"fitness", s.Fitness, "trades", perf.Trades, "win_rate", perf.WinRate)
		return nil
	})
}

func (m *Manager) fail(s *Strategy, cause error) error {
	if err := m.transition(s, StatusError); err != nil {
		return err
	}
	s.ErrorMessage = cause.Error()
	m.metrics.RecordError("lifecycle", cause)
	logging.StrategyContext(m.logger, s.ID, string(s.Status)).WithError(cause).Warn("Strategy marked as error")
	return nil
}

// MarkError moves a non-terminal strategy to error.
func (m *Manager) MarkError(ctx context.Context, id string, cause error) (*Strategy, error) {
	if cause == nil {
		cause = errors.New("unspecified error")
	}
	return m.update(ctx, id, func(s *Strategy) error { return m.fail(s, cause) })
}

// PromoteToPaper applies the backtest guards. A rejected promotion is a
// Decision with a reason, not an error.
func (m *Manager) PromoteToPaper(ctx context.Context, id string) (Decision, error) {
	return m.promote(ctx, id, StatusBacktested, StatusPaperTrading, func(s *Strategy) string {
		if s.Performance == nil {
			return "no backtest performance recorded"
		}
		if s.Fitness < m.cfg.MinBacktestFitness {
			return fmt.Sprintf("fitness %.3f below floor %.3f", s.Fitness, m.cfg.MinBacktestFitness)
		}
		if s.Performance.Trades < m.cfg.MinBacktestTrades {
			return fmt.Sprintf("backtest trades %d below minimum %d", s.Performance.Trades, m.cfg.MinBacktestTrades)
		}
		return ""
	})
}

// PromoteToLive applies the stricter paper-trading guards.
func (m *Manager) PromoteToLive(ctx context.Context, id string) (Decision, error) {
	return m.promote(ctx, id, StatusPaperTrading, StatusLive, func(s *Strategy) string {
		if s.PaperStartedAt == nil {
			return "paper trading start time unknown"
		}
		if ran := m.now().Sub(*s.PaperStartedAt); ran < m.cfg.MinPaperDuration {
			return fmt.Sprintf("paper trading ran %s, minimum %s", ran.Round(time.Minute), m.cfg.MinPaperDuration)
		}
		p := s.PaperPerformance
		if p == nil {
			return "no paper performance recorded"
		}
		if p.Trades < m.cfg.MinPaperTrades {
			return fmt.Sprintf("paper trades %d below minimum %d", p.Trades, m.cfg.MinPaperTrades)
		}
		if p.WinRate < m.cfg.MinLiveWinRate {
			return fmt.Sprintf("paper win rate %.3f below floor %.3f", p.WinRate, m.cfg.MinLiveWinRate)
		}
		if p.ProfitFactor < m.cfg.MinLiveProfitFactor {
			return fmt.Sprintf("paper profit factor %.3f below floor %.3f", p.ProfitFactor, m.cfg.MinLiveProfitFactor)
		}
		return ""
	})
}

func (m *Manager) promote(ctx context.Context, id string, from, to Status, guard func(*Strategy) string) (Decision, error) {
	d := Decision{To: to}
	_, err := m.update(ctx, id, func(s *Strategy) error {
		d.From = s.Status
		if s.Status != from {
			d.Reason = fmt.Sprintf("guard violation: status is %s, promotion to %s requires %s", s.Status, to, from)
			return errRejected
		}
		if reason := guard(s); reason != "" {
			d.Reason = reason
			return errRejected
		}
		if err := m.transition(s, to); err != nil {
			return err
		}
		now := m.now()
		switch to {
		case StatusPaperTrading:
			s.PaperStartedAt = &now
		case StatusLive:
			s.LivePromotedAt = &now
		}
		d.Approved = true
		return nil
	})
	if errors.Is(err, errRejected) {
		m.logger.Info("Promotion rejected", "strategy_id", id, "to", string(to), "reason", d.Reason)
		return d, nil
	}
	if err != nil {
		return d, err
	}

	m.logger.Info("Strategy promoted", "strategy_id", id, "from", string(d.From), "to", string(to))
	m.bus.Emit(events.EventStrategyPromoted, "lifecycle", "", map[string]interface{}{
		"strategy_id": id, "from": string(d.From), "to": string(to),
	})
	return d, nil
}

var errRejected = errors.New("promotion rejected")

// Retire ends a strategy. Retiring a retired strategy is a no-op; a
// strategy in error cannot be retired.
func (m *Manager) Retire(ctx context.Context, id, reason string) (*Strategy, error) {
	changed := false
	s, err := m.update(ctx, id, func(s *Strategy) error {
		if s.Status == StatusRetired {
			return errUnchanged
		}
		if err := m.transition(s, StatusRetired); err != nil {
			return err
		}
		now := m.now()
		s.RetiredAt = &now
		s.RetireReason = reason
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.Info("Strategy retired", "strategy_id", id, "reason", reason)
		m.bus.Emit(events.EventStrategyRetired, "lifecycle", "", map[string]interface{}{
			"strategy_id": id, "reason": reason,
		})
	}
	return s, nil
}

var errUnchanged = errors.New("unchanged")

// RecordPaperResult stores the latest paper-trading performance of a
// strategy in paper_trading.
func (m *Manager) RecordPaperResult(ctx context.Context, id string, perf Performance) error {
	_, err := m.update(ctx, id, func(s *Strategy) error {
		if s.Status != StatusPaperTrading {
			return fmt.Errorf("%w: paper result for %s strategy", ErrInvalidTransition, s.Status)
		}
		p := perf
		s.PaperPerformance = &p
		return nil
	})
	return err
}
