package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"trading-autopilot/internal/lifecycle"
)

// Repository provides PostgreSQL data access for sessions, the banking
// ledger and strategy records.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ lifecycle.StrategyStore = (*Repository)(nil)

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// TRADING SESSIONS
// ============================================================================

const sessionColumns = `id, user_id, name, mode, strategy_id, is_active, strategy_config, risk_config,
	position_state, metrics, started_at, stopped_at, last_heartbeat_at`

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *TradingSession) error {
	strategyCfg, err := json.Marshal(s.StrategyConfig)
	if err != nil {
		return fmt.Errorf("encode strategy config: %w", err)
	}
	riskCfg, err := json.Marshal(s.RiskConfig)
	if err != nil {
		return fmt.Errorf("encode risk config: %w", err)
	}
	position, err := json.Marshal(s.PositionState)
	if err != nil {
		return fmt.Errorf("encode position state: %w", err)
	}
	metrics, err := EncodeMetrics(s.Metrics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO trading_sessions (id, user_id, name, mode, strategy_id, symbol, is_active,
			strategy_config, risk_config, position_state, metrics, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		s.ID, s.UserID, s.Name, string(s.Mode), nullable(s.StrategyID), s.StrategyConfig.Symbol, s.IsActive,
		strategyCfg, riskCfg, position, metrics, s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns one session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*TradingSession, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM trading_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// LoadActiveSessions returns every session still flagged active, oldest
// first.
func (r *Repository) LoadActiveSessions(ctx context.Context) ([]*TradingSession, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM trading_sessions WHERE is_active ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TradingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*TradingSession, error) {
	var (
		s                                      TradingSession
		mode                                   string
		strategyID                             *string
		strategyCfg, riskCfg, position, metric []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &mode, &strategyID, &s.IsActive,
		&strategyCfg, &riskCfg, &position, &metric,
		&s.StartedAt, &s.StoppedAt, &s.LastHeartbeatAt)
	if err != nil {
		return nil, err
	}
	s.Mode = SessionMode(mode)
	if strategyID != nil {
		s.StrategyID = *strategyID
	}
	if err := json.Unmarshal(strategyCfg, &s.StrategyConfig); err != nil {
		return nil, fmt.Errorf("session %s: decode strategy config: %w", s.ID, err)
	}
	if err := json.Unmarshal(riskCfg, &s.RiskConfig); err != nil {
		return nil, fmt.Errorf("session %s: decode risk config: %w", s.ID, err)
	}
	if len(position) > 0 {
		if err := json.Unmarshal(position, &s.PositionState); err != nil {
			return nil, fmt.Errorf("session %s: decode position state: %w", s.ID, err)
		}
	}
	if s.Metrics, err = DecodeMetrics(metric); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *Repository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionMetrics replaces the metrics document of a session.
func (r *Repository) UpdateSessionMetrics(ctx context.Context, id string, m PerformanceMetrics) error {
	doc, err := EncodeMetrics(m)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update session metrics",
		`UPDATE trading_sessions SET metrics = $2 WHERE id = $1`, id, doc)
}

// UpdatePositionState replaces the position snapshot of a session.
func (r *Repository) UpdatePositionState(ctx context.Context, id string, p PositionState) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position state: %w", err)
	}
	return r.execOne(ctx, "update position state",
		`UPDATE trading_sessions SET position_state = $2 WHERE id = $1`, id, doc)
}

// UpdateHeartbeat records that a tick completed for the session.
func (r *Repository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "update heartbeat",
		`UPDATE trading_sessions SET last_heartbeat_at = $2 WHERE id = $1`, id, at)
}

// CloseSession marks a session inactive. The row is kept.
func (r *Repository) CloseSession(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "close session",
		`UPDATE trading_sessions SET is_active = FALSE, stopped_at = $2 WHERE id = $1`, id, at)
}

// ============================================================================
// BANKING LEDGER
// ============================================================================

const (
	initialBalanceKey = "banking.initial_balance"
	emergencyStopKey  = "banking.emergency_stop"
)

// InsertBankingRecord appends a ledger entry.
func (r *Repository) InsertBankingRecord(ctx context.Context, rec *BankingRecord) error {
	query := `
		INSERT INTO banking_records (id, ts, amount, total_profit, balance_before, balance_after,
			transfer_id, status, trigger, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.Amount, rec.TotalProfit, rec.BalanceBefore, rec.BalanceAfter,
		nullable(rec.TransferID), string(rec.Status), string(rec.Trigger), nullable(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert banking record: %w", err)
	}
	return nil
}

// LoadBankingHistory returns the latest limit records, oldest first.
func (r *Repository) LoadBankingHistory(ctx context.Context, limit int) ([]BankingRecord, error) {
	query := `
		SELECT id, ts, amount::float8, total_profit::float8, balance_before::float8, balance_after::float8,
		       transfer_id, status, trigger, error
		FROM (
			SELECT * FROM banking_records ORDER BY ts DESC, id DESC LIMIT $1
		) latest
		ORDER BY ts, id
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("load banking history: %w", err)
	}
	defer rows.Close()

	var records []BankingRecord
	for rows.Next() {
		var (
			rec             BankingRecord
			transferID, msg *string
			status, trigger string
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Amount, &rec.TotalProfit,
			&rec.BalanceBefore, &rec.BalanceAfter, &transferID, &status, &trigger, &msg); err != nil {
			return nil, err
		}
		rec.Status = BankingStatus(status)
		rec.Trigger = BankingTrigger(trigger)
		if transferID != nil {
			rec.TransferID = *transferID
		}
		if msg != nil {
			rec.Error = *msg
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetInitialBalance returns the stored initial balance and whether one was
// set.
func (r *Repository) GetInitialBalance(ctx context.Context) (float64, bool, error) {
	var raw string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, initialBalanceKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get initial balance: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse initial balance %q: %w", raw, err)
	}
	return v, true, nil
}

// SetInitialBalance stores the balance drawdown is measured against.
func (r *Repository) SetInitialBalance(ctx context.Context, v float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		initialBalanceKey, strconv.FormatFloat(v, 'f', -1, 64))
	if err != nil {
		return fmt.Errorf("set initial balance: %w", err)
	}
	return nil
}

// LoadEmergencyStop returns the persisted emergency stop, or nil when the
// stop is clear.
func (r *Repository) LoadEmergencyStop(ctx context.Context) (*EmergencyStopState, error) {
	var raw string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, emergencyStopKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get emergency stop: %w", err)
	}
	var st EmergencyStopState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode emergency stop: %w", err)
	}
	return &st, nil
}

// SaveEmergencyStop persists a tripped stop; nil clears it.
func (r *Repository) SaveEmergencyStop(ctx context.Context, st *EmergencyStopState) error {
	if st == nil {
		if _, err := r.db.Pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, emergencyStopKey); err != nil {
			return fmt.Errorf("clear emergency stop: %w", err)
		}
		return nil
	}
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode emergency stop: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		emergencyStopKey, string(doc))
	if err != nil {
		return fmt.Errorf("set emergency stop: %w", err)
	}
	return nil
}

// ============================================================================
// STRATEGIES
// ============================================================================

// SaveStrategy upserts a strategy record. The full record lives in the
// document column; the scalar columns exist for filtering.
func (r *Repository) SaveStrategy(ctx context.Context, s *lifecycle.Strategy) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode strategy: %w", err)
	}
	query := `
		INSERT INTO strategies (id, name, status, symbol, timeframe, generation, fitness, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			fitness = EXCLUDED.fitness,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Pool.Exec(ctx, query,
		s.ID, s.Name, string(s.Status), s.Symbol, s.Timeframe, s.Generation, s.Fitness, doc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save strategy: %w", err)
	}
	return nil
}

// GetStrategy returns one strategy.
func (r *Repository) GetStrategy(ctx context.Context, id string) (*lifecycle.Strategy, error) {
	var doc []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT document FROM strategies WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", id, err)
	}
	var s lifecycle.Strategy
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", id, err)
	}
	return &s, nil
}

// ListStrategies returns strategies matching f ordered by creation.
func (r *Repository) ListStrategies(ctx context.Context, f lifecycle.Filter) ([]*lifecycle.Strategy, error) {
	query := `
		SELECT document FROM strategies
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR symbol = $2)
		  AND ($3::int IS NULL OR generation = $3)
		ORDER BY created_at, id
	`
	rows, err := r.db.Pool.Query(ctx, query, string(f.Status), f.Symbol, f.Generation)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Strategy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s lifecycle.Strategy
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode strategy: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
