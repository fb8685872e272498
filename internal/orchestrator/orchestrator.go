// Package orchestrator runs the persistent trading sessions. A fixed
// interval tick visits every active session, asks the estimator and the
// session's strategy for a signal and submits orders. Sessions survive
// process restarts through the session store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trading-autopilot/internal/circuit"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/estimator"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/lifecycle"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/scheduler"
	"trading-autopilot/internal/strategy"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoCredentials is returned by StartSession when the user has no
	// exchange credentials stored.
	ErrNoCredentials = errors.New("no exchange credentials for user")
)

const source = "orchestrator"

// CredentialStore resolves a user's exchange keys. A nil result without an
// error means "skip this session for now".
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (*exchange.Credentials, error)
}

// SessionStore is the persistence the orchestrator needs.
type SessionStore interface {
	LoadActiveSessions(ctx context.Context) ([]*database.TradingSession, error)
	CreateSession(ctx context.Context, s *database.TradingSession) error
	UpdateSessionMetrics(ctx context.Context, id string, m database.PerformanceMetrics) error
	UpdatePositionState(ctx context.Context, id string, p database.PositionState) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, at time.Time) error
}

// PerformanceSink receives paper-trading results for lifecycle strategies.
type PerformanceSink interface {
	RecordPaperResult(ctx context.Context, strategyID string, perf lifecycle.Performance) error
}

// SessionLease grants exclusive ownership of a session across processes.
type SessionLease interface {
	Acquire(ctx context.Context, sessionID string) (bool, error)
	Renew(ctx context.Context, sessionID string) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

// ExecutorFactory builds the signal executor for a session.
type ExecutorFactory func(symbol string, p strategy.Params) (strategy.Executor, error)

// Config controls scheduling and the signal gate.
type Config struct {
	TickInterval          time.Duration `json:"tick_interval"`
	MaxConcurrentSessions int           `json:"max_concurrent_sessions"`
	ShutdownGrace         time.Duration `json:"shutdown_grace"`
	// MinConfidence is the default estimator confidence an actionable
	// signal needs. Sessions may raise it in their strategy config.
	MinConfidence float64 `json:"min_confidence"`
}

// DefaultConfig returns a 5s tick with a 10s shutdown grace.
func DefaultConfig() Config {
	return Config{
		TickInterval:          5 * time.Second,
		MaxConcurrentSessions: 16,
		ShutdownGrace:         10 * time.Second,
		MinConfidence:         0.3,
	}
}

// Orchestrator owns the in-memory session contexts and the tick loop.
type Orchestrator struct {
	cfg      Config
	store    SessionStore
	creds    CredentialStore
	live     exchange.Client
	paper    exchange.Client
	lease    SessionLease
	sink     PerformanceSink
	locks    *AccountLocks
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *logging.Logger
	clock    scheduler.Clock
	executor ExecutorFactory
	estCfg   estimator.Config

	mu       sync.RWMutex
	sessions map[string]*sessionContext
	loop     *scheduler.Loop
	workers  *errgroup.Group
	runCtx   context.Context
	cancel   context.CancelFunc
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithEvents(bus *events.Bus) Option             { return func(o *Orchestrator) { o.bus = bus } }
func WithMetrics(m *observability.Metrics) Option   { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *logging.Logger) Option           { return func(o *Orchestrator) { o.logger = l } }
func WithClock(c scheduler.Clock) Option            { return func(o *Orchestrator) { o.clock = c } }
func WithLease(l SessionLease) Option               { return func(o *Orchestrator) { o.lease = l } }
func WithPerformanceSink(s PerformanceSink) Option  { return func(o *Orchestrator) { o.sink = s } }
func WithAccountLocks(l *AccountLocks) Option       { return func(o *Orchestrator) { o.locks = l } }
func WithExecutorFactory(f ExecutorFactory) Option  { return func(o *Orchestrator) { o.executor = f } }
func WithEstimatorConfig(c estimator.Config) Option { return func(o *Orchestrator) { o.estCfg = c } }

// WithPaperClient sets the exchange used by paper-mode sessions.
func WithPaperClient(c exchange.Client) Option { return func(o *Orchestrator) { o.paper = c } }

// New creates a stopped orchestrator. live serves live-mode sessions; paper
// sessions use the paper client when one is configured and live otherwise.
func New(cfg Config, store SessionStore, creds CredentialStore, live exchange.Client, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = def.MaxConcurrentSessions
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		live:     live,
		logger:   logging.Default(),
		clock:    scheduler.RealClock{},
		executor: strategy.NewExecutor,
		estCfg:   estimator.DefaultConfig(),
		sessions: make(map[string]*sessionContext),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locks == nil {
		o.locks = NewAccountLocks()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics("")
	}
	o.logger = o.logger.WithComponent(source)
	return o
}

// Locks returns the account lock table shared with the banking controller.
func (o *Orchestrator) Locks() *AccountLocks { return o.locks }

func (o *Orchestrator) emit(t events.EventType, sessionID string, data map[string]interface{}) {
	if o.bus != nil {
		o.bus.Emit(t, source, sessionID, data)
	}
}

func (o *Orchestrator) emitError(sessionID, msg string, err error) {
	o.metrics.RecordError(source, err)
	if o.bus != nil {
		o.bus.EmitError(source, sessionID, msg, err)
	}
}

// Start loads every active session, builds a context for each and begins
// ticking, with one immediate tick. Live sessions whose credentials are
// not stored yet are attached anyway and skip ticks until keys appear.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.loop != nil {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	workers := &errgroup.Group{}
	workers.SetLimit(o.cfg.MaxConcurrentSessions)
	o.workers = workers
	o.runCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	loaded, awaiting, skipped, err := o.loadSessions(ctx, "")
	if err != nil {
		o.mu.Lock()
		o.cancel()
		o.workers, o.runCtx, o.cancel = nil, nil, nil
		o.mu.Unlock()
		return fmt.Errorf("load active sessions: %w", err)
	}

	loop := scheduler.NewLoop(scheduler.LoopConfig{
		Name:           source,
		Interval:       o.cfg.TickInterval,
		RunImmediately: true,
		Grace:          o.cfg.ShutdownGrace,
		Clock:          o.clock,
		Logger:         o.logger,
	}, o.tick)

	o.mu.Lock()
	o.loop = loop
	o.mu.Unlock()

	if err := loop.Start(ctx); err != nil {
		o.mu.Lock()
		o.loop = nil
		o.mu.Unlock()
		return err
	}

	o.logger.Info("Orchestrator started",
		"sessions", loaded,
		"awaiting_credentials", awaiting,
		"skipped", skipped,
		"tick_interval", o.cfg.TickInterval.String())
	o.emit(events.EventStarted, "", map[string]interface{}{
		"sessions":             loaded,
		"awaiting_credentials": awaiting,
		"skipped":              skipped,
	})
	return nil
}

// loadSessions attaches active sessions not yet in memory. With userID set
// only that user's sessions are considered. loaded counts sessions ready
// to trade, awaiting those attached without credentials.
func (o *Orchestrator) loadSessions(ctx context.Context, userID string) (loaded, awaiting, skipped int, err error) {
	rows, err := o.store.LoadActiveSessions(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, rec := range rows {
		if userID != "" && rec.UserID != userID {
			continue
		}
		if o.lookup(rec.ID) != nil {
			continue
		}
		sc, err := o.buildContext(ctx, rec, false)
		if err != nil {
			skipped++
			logging.SessionContext(o.logger, rec.ID, rec.UserID, rec.StrategyConfig.Symbol).
				Warn("Skipping session", "reason", err.Error())
			continue
		}
		if !o.acquire(ctx, sc) {
			skipped++
			continue
		}
		o.add(sc)
		if sc.credentials() == nil {
			sc.logger.Warn("No credentials stored, session waits for keys")
			awaiting++
			continue
		}
		loaded++
	}
	return loaded, awaiting, skipped, nil
}

// Stop halts scheduling immediately, gives running session ticks the
// shutdown grace, flushes every context's metrics and clears memory.
// Session rows stay active so the next start resumes them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	loop, workers, cancel := o.loop, o.workers, o.cancel
	o.loop = nil
	o.mu.Unlock()
	if loop == nil {
		return nil
	}

	var forced bool
	if err := loop.Stop(ctx); err != nil {
		forced = true
	}

	done := make(chan struct{})
	go func() {
		_ = workers.Wait()
		close(done)
	}()
	timer := time.NewTimer(o.cfg.ShutdownGrace)
	select {
	case <-done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	timer.Stop()
	if forced {
		o.logger.Warn("Session ticks exceeded shutdown grace, forcing teardown",
			"grace", o.cfg.ShutdownGrace.String())
	}
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer flushCancel()

	o.mu.Lock()
	contexts := make([]*sessionContext, 0, len(o.sessions))
	for _, sc := range o.sessions {
		contexts = append(contexts, sc)
	}
	o.sessions = make(map[string]*sessionContext)
	o.workers, o.runCtx, o.cancel = nil, nil, nil
	o.mu.Unlock()
	o.metrics.ActiveSessions.Set(0)

	for _, sc := range contexts {
		sc.closed.Store(true)
		if !forced {
			o.flush(flushCtx, sc)
		} else if sc.tryLock() {
			o.flush(flushCtx, sc)
			sc.unlock()
		} else {
			sc.logger.Warn("Session still busy at teardown, metrics not flushed")
		}
		o.release(flushCtx, sc)
	}

	o.logger.Info("Orchestrator stopped", "sessions", len(contexts), "forced", forced)
	o.emit(events.EventStopped, "", map[string]interface{}{"sessions": len(contexts), "forced": forced})
	if forced {
		return scheduler.ErrForcedTeardown
	}
	return nil
}

// Running reports whether the tick loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.loop != nil
}

// StartSession persists a new live session and starts trading it on the
// next tick.
func (o *Orchestrator) StartSession(ctx context.Context, userID string, cfg strategy.Config, risk *database.RiskConfig, name string) (string, error) {
	return o.startSession(ctx, userID, cfg, risk, name, database.ModeLive)
}

// StartPaperSession runs a paper_trading lifecycle strategy on the paper
// exchange. Its results flow back through the PerformanceSink on stop.
func (o *Orchestrator) StartPaperSession(ctx context.Context, userID string, s *lifecycle.Strategy, quantity float64, risk *database.RiskConfig) (string, error) {
	if s == nil {
		return "", faults.Invalid("strategy", "required")
	}
	if s.Status != lifecycle.StatusPaperTrading {
		return "", faults.Invalid("strategy", "status %s is not %s", s.Status, lifecycle.StatusPaperTrading)
	}
	cfg := strategy.Config{
		StrategyID:    s.ID,
		Symbol:        s.Symbol,
		Timeframe:     s.Timeframe,
		OrderQuantity: quantity,
		Params:        s.Parameters,
	}
	return o.startSession(ctx, userID, cfg, risk, "paper:"+s.Name, database.ModePaper)
}

func (o *Orchestrator) startSession(ctx context.Context, userID string, cfg strategy.Config, risk *database.RiskConfig, name string, mode database.SessionMode) (string, error) {
	if userID == "" {
		return "", faults.Invalid("user_id", "required")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	rc := database.DefaultRiskConfig()
	if risk != nil {
		rc = *risk
	}
	if name == "" {
		name = fmt.Sprintf("%s %s", cfg.Symbol, cfg.Params.Algorithm)
	}

	now := o.clock.Now().UTC()
	rec := &database.TradingSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           name,
		Mode:           mode,
		StrategyID:     cfg.StrategyID,
		IsActive:       true,
		StrategyConfig: cfg,
		RiskConfig:     rc,
		PositionState:  database.PositionState{Symbol: cfg.Symbol},
		Metrics:        database.PerformanceMetrics{SchemaVersion: database.MetricsSchemaVersion},
		StartedAt:      now,
	}

	sc, err := o.buildContext(ctx, rec, true)
	if err != nil {
		return "", err
	}
	if err := o.store.CreateSession(ctx, rec); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if !o.acquire(ctx, sc) {
		return rec.ID, fmt.Errorf("session %s: lease held by another process", rec.ID)
	}
	o.add(sc)

	sc.logger.Info("Session started", "mode", string(mode), "name", name)
	o.emit(events.EventSessionStarted, rec.ID, map[string]interface{}{
		"user_id":     userID,
		"symbol":      cfg.Symbol,
		"mode":        string(mode),
		"strategy_id": cfg.StrategyID,
	})
	return rec.ID, nil
}

// StopSession closes the session row and drops its context. A session
// that is mid-tick is given the shutdown grace to finish first.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	o.mu.Lock()
	sc, ok := o.sessions[id]
	if ok {
		delete(o.sessions, id)
	}
	n := len(o.sessions)
	o.mu.Unlock()
	o.metrics.ActiveSessions.Set(float64(n))

	now := o.clock.Now().UTC()
	if !ok {
		// the row may be active but skipped in memory, e.g. for an unknown algorithm
		if err := o.store.CloseSession(ctx, id, now); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("close session %s: %w", id, err)
		}
		o.emit(events.EventSessionStopped, id, nil)
		return nil
	}

	sc.closed.Store(true)
	if sc.drain(o.cfg.ShutdownGrace) {
		o.flush(ctx, sc)
		sc.unlock()
	} else {
		sc.logger.Warn("Session tick exceeded grace on stop", "grace", o.cfg.ShutdownGrace.String())
	}
	o.release(ctx, sc)

	if err := o.store.CloseSession(ctx, id, now); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	sc.logger.Info("Session stopped")
	o.emit(events.EventSessionStopped, id, map[string]interface{}{
		"user_id": sc.record.UserID,
		"symbol":  sc.record.StrategyConfig.Symbol,
	})
	return nil
}

// RefreshCredentials reloads keys for every session of userID, clearing
// the invalid mark, and attaches that user's active sessions that are not
// in memory yet. It returns how many sessions are now trading with fresh
// credentials.
func (o *Orchestrator) RefreshCredentials(ctx context.Context, userID string) (int, error) {
	if inv, ok := o.creds.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(userID)
	}

	refreshed := 0
	for _, sc := range o.snapshot() {
		if sc.record.UserID != userID || sc.record.Mode == database.ModePaper {
			continue
		}
		creds, err := o.creds.GetCredentials(ctx, userID)
		if err != nil {
			return refreshed, fmt.Errorf("get credentials: %w", err)
		}
		if !creds.Valid() {
			continue
		}
		sc.setCredentials(creds)
		refreshed++
	}

	if o.Running() {
		loaded, _, _, err := o.loadSessions(ctx, userID)
		if err != nil {
			return refreshed, fmt.Errorf("load active sessions: %w", err)
		}
		refreshed += loaded
	}
	o.logger.Info("Credentials refreshed", "user_id", userID, "sessions", refreshed)
	return refreshed, nil
}

// SessionStatus is a read-only view of one in-memory session.
type SessionStatus struct {
	ID                  string                      `json:"id"`
	UserID              string                      `json:"user_id"`
	Name                string                      `json:"name"`
	Mode                database.SessionMode        `json:"mode"`
	Symbol              string                      `json:"symbol"`
	Busy                bool                        `json:"busy"`
	CredentialsInvalid  bool                        `json:"credentials_invalid"`
	AwaitingCredentials bool                        `json:"awaiting_credentials"`
	Breaker             circuit.State               `json:"breaker"`
	Metrics             database.PerformanceMetrics `json:"metrics"`
}

// Sessions lists the in-memory sessions ordered by ID. Metrics of a
// session that is mid-tick are the ones from its previous tick.
func (o *Orchestrator) Sessions() []SessionStatus {
	out := make([]SessionStatus, 0)
	for _, sc := range o.snapshot() {
		out = append(out, sc.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) lookup(id string) *sessionContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[id]
}

func (o *Orchestrator) add(sc *sessionContext) {
	o.mu.Lock()
	o.sessions[sc.record.ID] = sc
	n := len(o.sessions)
	o.mu.Unlock()
	o.metrics.ActiveSessions.Set(float64(n))
}

func (o *Orchestrator) snapshot() []*sessionContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*sessionContext, 0, len(o.sessions))
	for _, sc := range o.sessions {
		out = append(out, sc)
	}
	return out
}

func (o *Orchestrator) acquire(ctx context.Context, sc *sessionContext) bool {
	if o.lease == nil {
		return true
	}
	ok, err := o.lease.Acquire(ctx, sc.record.ID)
	if err != nil {
		sc.logger.Warn("Lease acquire failed", "error", err.Error())
		return false
	}
	if !ok {
		sc.logger.Info("Session leased by another process, skipping")
	}
	return ok
}

func (o *Orchestrator) release(ctx context.Context, sc *sessionContext) {
	if o.lease == nil {
		return
	}
	if err := o.lease.Release(ctx, sc.record.ID); err != nil {
		sc.logger.Warn("Lease release failed", "error", err.Error())
	}
}

// tick dispatches every idle session to the worker group. A session still
// busy from an earlier tick is skipped, never queued.
func (o *Orchestrator) tick(context.Context) {
	o.mu.RLock()
	workers, runCtx := o.workers, o.runCtx
	o.mu.RUnlock()
	if workers == nil {
		return
	}
	o.metrics.TicksTotal.Inc()

	for _, sc := range o.snapshot() {
		if !sc.busy.CompareAndSwap(false, true) {
			o.metrics.SessionsSkippedBusy.Inc()
			sc.logger.Debug("Session busy, skipping tick")
			continue
		}
		sc := sc
		if !workers.TryGo(func() error {
			o.runSession(runCtx, sc)
			return nil
		}) {
			sc.busy.Store(false)
			o.metrics.SessionTicks.WithLabelValues("deferred").Inc()
		}
	}
}
