package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewEventBus()

	var stopped, all int
	bus.Subscribe(EventBotStopped, func(Event) { stopped++ })
	bus.SubscribeAll(func(Event) { all++ })

	bus.Publish(Event{Type: EventBotStarted})
	bus.PublishBotStopped("u1", "b1", "MANUAL_STOP", "stopped by user", nil)

	assert.Equal(t, 1, stopped)
	assert.Equal(t, 2, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var count int
	unsubscribe := bus.Subscribe(EventError, func(Event) { count++ })

	bus.PublishError("u1", "b1", "cycle", errors.New("boom"))
	unsubscribe()
	bus.PublishError("u1", "b1", "cycle", errors.New("boom"))

	assert.Equal(t, 1, count)
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewEventBus()

	ch, unsubscribe := bus.SubscribeChan(EventStateChanged, 1)
	defer unsubscribe()

	bus.Publish(Event{Type: EventStateChanged, BotID: "b1"})
	bus.Publish(Event{Type: EventStateChanged, BotID: "b2"})

	got := <-ch
	assert.Equal(t, "b1", got.BotID)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestSubscribeChanClosesOnUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	ch, unsubscribe := bus.SubscribeChan(EventBotStopped, 4)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic on the closed channel
	bus.PublishBotStopped("u1", "b1", "MANUAL_STOP", "", nil)
}

func TestStopEventCarriesReasonAndMetrics(t *testing.T) {
	bus := NewEventBus()

	var got Event
	bus.Subscribe(EventBotStopped, func(e Event) { got = e })
	bus.PublishBotStopped("u1", "b1", "MAX_DRAWDOWN", "drawdown 25%", map[string]float64{"pnl": -25})

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "MAX_DRAWDOWN", got.Data["reason"])
	assert.NotNil(t, got.Data["metrics"])
	assert.False(t, got.Timestamp.IsZero())
}
