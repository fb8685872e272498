package circuit

import (
	"sync"
	"time"
)

// LatchStatus describes an emergency stop.
type LatchStatus struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	Value     float64   `json:"value,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// Latch is a one-way emergency stop. Once tripped it stays tripped until
// Clear is called; repeated trips keep the first reason.
type Latch struct {
	mu     sync.RWMutex
	status LatchStatus
}

// Trip asserts the stop and reports whether this call changed the state.
func (l *Latch) Trip(reason string, value float64, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.Tripped {
		return false
	}
	l.status = LatchStatus{Tripped: true, Reason: reason, Value: value, TrippedAt: at}
	return true
}

// Restore reinstates a persisted status, replacing the current one.
func (l *Latch) Restore(status LatchStatus) {
	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
}

// Clear releases the stop and reports whether it was asserted.
func (l *Latch) Clear() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.status.Tripped
	l.status = LatchStatus{}
	return was
}

func (l *Latch) Tripped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.Tripped
}

func (l *Latch) Status() LatchStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}
