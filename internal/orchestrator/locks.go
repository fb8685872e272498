package orchestrator

import "sync"

// AccountLocks hands out one mutex per exchange account. Order submission
// and banking transfers for the same account take the same lock, so a
// transfer never reads a balance while an order is settling.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountLocks creates an empty lock table.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*sync.Mutex)}
}

func (a *AccountLocks) get(accountID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[accountID] = l
	}
	return l
}

// Lock blocks until the account is free and returns the release func.
func (a *AccountLocks) Lock(accountID string) func() {
	l := a.get(accountID)
	l.Lock()
	return l.Unlock
}

// TryLock acquires the account lock without blocking.
func (a *AccountLocks) TryLock(accountID string) (func(), bool) {
	l := a.get(accountID)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
