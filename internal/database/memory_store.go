package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"trading-autopilot/internal/lifecycle"
)

// MemoryStore keeps sessions, the banking ledger and strategies in
// process memory. It is used when PostgreSQL is disabled and in tests.
type MemoryStore struct {
	*lifecycle.MemoryStore

	mu             sync.RWMutex
	sessions       map[string]*TradingSession
	ledger         []BankingRecord
	initialBalance *float64
	emergency      *EmergencyStopState

	// Fail, when set, is consulted before every write; a non-nil error is
	// returned to the caller.
	Fail func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: lifecycle.NewMemoryStore(),
		sessions:    make(map[string]*TradingSession),
	}
}

func (m *MemoryStore) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

func copySession(s *TradingSession) *TradingSession {
	c := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	if s.LastHeartbeatAt != nil {
		t := *s.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

func (m *MemoryStore) CreateSession(_ context.Context, s *TradingSession) error {
	if err := m.fail("create_session"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*TradingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) LoadActiveSessions(_ context.Context) ([]*TradingSession, error) {
	m.mu.RLock()
	out := make([]*TradingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.IsActive {
			out = append(out, copySession(s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) mutate(op, id string, fn func(s *TradingSession)) error {
	if err := m.fail(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

func (m *MemoryStore) UpdateSessionMetrics(_ context.Context, id string, metrics PerformanceMetrics) error {
	doc, err := EncodeMetrics(metrics)
	if err != nil {
		return err
	}
	decoded, err := DecodeMetrics(doc)
	if err != nil {
		return err
	}
	return m.mutate("update_metrics", id, func(s *TradingSession) { s.Metrics = decoded })
}

func (m *MemoryStore) UpdatePositionState(_ context.Context, id string, p PositionState) error {
	return m.mutate("update_position", id, func(s *TradingSession) { s.PositionState = p })
}

func (m *MemoryStore) UpdateHeartbeat(_ context.Context, id string, at time.Time) error {
	return m.mutate("update_heartbeat", id, func(s *TradingSession) { s.LastHeartbeatAt = &at })
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) error {
	return m.mutate("close_session", id, func(s *TradingSession) {
		s.IsActive = false
		s.StoppedAt = &at
	})
}

func (m *MemoryStore) InsertBankingRecord(_ context.Context, rec *BankingRecord) error {
	if err := m.fail("insert_banking_record"); err != nil {
		return err
	}
	m.mu.Lock()
	m.ledger = append(m.ledger, *rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadBankingHistory(_ context.Context, limit int) ([]BankingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.ledger) > limit {
		start = len(m.ledger) - limit
	}
	out := make([]BankingRecord, len(m.ledger)-start)
	copy(out, m.ledger[start:])
	return out, nil
}

func (m *MemoryStore) GetInitialBalance(_ context.Context) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.initialBalance == nil {
		return 0, false, nil
	}
	return *m.initialBalance, true, nil
}

func (m *MemoryStore) SetInitialBalance(_ context.Context, v float64) error {
	if err := m.fail("set_initial_balance"); err != nil {
		return err
	}
	m.mu.Lock()
	m.initialBalance = &v
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadEmergencyStop(_ context.Context) (*EmergencyStopState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emergency == nil {
		return nil, nil
	}
	st := *m.emergency
	return &st, nil
}

func (m *MemoryStore) SaveEmergencyStop(_ context.Context, st *EmergencyStopState) error {
	if err := m.fail("save_emergency_stop"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == nil {
		m.emergency = nil
		return nil
	}
	cp := *st
	m.emergency = &cp
	return nil
}
