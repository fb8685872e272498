package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the different events emitted by the core
type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventSessionStarted   EventType = "session-started"
	EventSessionStopped   EventType = "session-stopped"
	EventTradeExecuted    EventType = "trade-executed"
	EventError            EventType = "error"
	EventProfitBanked     EventType = "profitBanked"
	EventBankingFailed    EventType = "bankingFailed"
	EventEmergencyStop    EventType = "emergencyStop"
	EventConfigUpdated    EventType = "configUpdated"
	EventStrategyPromoted EventType = "strategy-promoted"
	EventStrategyRetired  EventType = "strategy-retired"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Subscription is one subscriber's buffered event channel. Events that do
// not fit in the buffer are dropped for that subscriber only.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[EventType]bool
	dropped atomic.Int64
	bus     *Bus
}

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() { s.bus.remove(s) }

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. Publish never blocks the caller.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	nowFn  func() time.Time
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		nowFn: time.Now,
	}
}

// Subscribe registers a buffered subscriber for the given event types.
// No types means all events.
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscribeFunc registers an observer callback. The callback runs on its
// own goroutine, in publish order, until the subscription is removed.
func (b *Bus) SubscribeFunc(handler func(Event), types ...EventType) *Subscription {
	sub := b.Subscribe(DefaultBuffer, types...)
	go func() {
		for ev := range sub.C {
			handler(ev)
		}
	}()
	return sub
}

// Publish sends an event to all interested subscribers
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.nowFn()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with a data map.
func (b *Bus) Emit(t EventType, source, sessionID string, data map[string]interface{}) {
	b.Publish(Event{Type: t, Source: source, SessionID: sessionID, Data: data})
}

// EmitError publishes an error event
func (b *Bus) EmitError(source, sessionID, message string, err error) {
	data := map[string]interface{}{"message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Emit(EventError, source, sessionID, data)
}

// Close removes every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
