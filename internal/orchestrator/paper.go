package orchestrator

import (
	"context"
	"fmt"

	"trading-autopilot/internal/database"
	"trading-autopilot/internal/lifecycle"
)

var _ lifecycle.PaperTrader = (*PaperTrader)(nil)

// PaperTrader runs lifecycle paper trials as orchestrator sessions owned
// by one account.
type PaperTrader struct {
	o        *Orchestrator
	userID   string
	quantity float64
	risk     *database.RiskConfig
}

// NewPaperTrader creates a PaperTrader. risk may be nil for defaults.
func NewPaperTrader(o *Orchestrator, userID string, quantity float64, risk *database.RiskConfig) *PaperTrader {
	return &PaperTrader{o: o, userID: userID, quantity: quantity, risk: risk}
}

// StartPaper opens a paper session for the strategy.
func (p *PaperTrader) StartPaper(ctx context.Context, s *lifecycle.Strategy) error {
	_, err := p.o.StartPaperSession(ctx, p.userID, s, p.quantity, p.risk)
	return err
}

// StopPaper stops every paper session running the strategy. Stopping a
// session flushes its performance to the lifecycle sink.
func (p *PaperTrader) StopPaper(ctx context.Context, strategyID string) error {
	ids, err := p.sessionsFor(ctx, strategyID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return lifecycle.ErrNoPaperSession
	}
	for _, id := range ids {
		if err := p.o.StopSession(ctx, id); err != nil {
			return fmt.Errorf("stop paper session %s: %w", id, err)
		}
	}
	return nil
}

func (p *PaperTrader) sessionsFor(ctx context.Context, strategyID string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	p.o.mu.RLock()
	for id, sc := range p.o.sessions {
		if sc.record.Mode == database.ModePaper && sc.record.StrategyID == strategyID {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	p.o.mu.RUnlock()

	// rows active in the store but not attached, e.g. after a restart
	// without credentials
	rows, err := p.o.store.LoadActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	for _, r := range rows {
		if r.Mode == database.ModePaper && r.StrategyID == strategyID && !seen[r.ID] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}
