package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FiltersByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	banking := bus.Subscribe(8, EventProfitBanked, EventEmergencyStop)
	all := bus.Subscribe(8)

	bus.Emit(EventSessionStarted, "orchestrator", "s-1", nil)
	bus.Emit(EventEmergencyStop, "banking", "", map[string]interface{}{"drawdown": 0.26})

	ev := <-banking.C
	assert.Equal(t, EventEmergencyStop, ev.Type)
	assert.Equal(t, 0.26, ev.Data["drawdown"])
	assert.False(t, ev.Timestamp.IsZero())

	assert.Equal(t, EventSessionStarted, (<-all.C).Type)
	assert.Equal(t, EventEmergencyStop, (<-all.C).Type)
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Emit(EventTradeExecuted, "orchestrator", "s-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(4), slow.Dropped())
}

func TestBus_SubscribeFuncAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	sub := bus.SubscribeFunc(func(ev Event) { got <- ev }, EventConfigUpdated)

	bus.Emit(EventConfigUpdated, "banking", "", nil)
	select {
	case ev := <-got:
		assert.Equal(t, EventConfigUpdated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}

	sub.Unsubscribe()
	_, open := <-sub.C
	require.False(t, open)
}
