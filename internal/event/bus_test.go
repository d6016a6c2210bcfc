package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephworks/alephauto/internal/event"
)

func recv(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "mailbox closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestPublishFanoutPreservesOrder(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	a := bus.Subscribe("client-a", event.JobCreated)
	b := bus.Subscribe("client-b", event.JobCreated)

	for i := 1; i <= 3; i++ {
		bus.Publish(event.JobCreated, event.JobEvent{JobID: string(rune('0' + i))})
	}

	for _, ch := range []<-chan event.Event{a, b} {
		for i := 1; i <= 3; i++ {
			ev := recv(t, ch)
			assert.Equal(t, event.JobCreated, ev.Channel)
			assert.Equal(t, string(rune('0'+i)), ev.Payload.(event.JobEvent).JobID)
		}
	}
}

func TestWildcardReceivesAllChannels(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	all := bus.Subscribe("dashboard", event.Wildcard)
	one := bus.Subscribe("narrow", event.JobFailed)

	bus.Publish(event.JobCreated, event.JobEvent{JobID: "j1"})
	bus.Publish(event.JobFailed, event.JobEvent{JobID: "j1"})
	bus.Publish(event.SystemStatus, event.SystemEvent{Status: "ready"})

	assert.Equal(t, event.JobCreated, recv(t, all).Channel)
	assert.Equal(t, event.JobFailed, recv(t, all).Channel)
	assert.Equal(t, event.SystemStatus, recv(t, all).Channel)

	assert.Equal(t, event.JobFailed, recv(t, one).Channel)
	select {
	case ev := <-one:
		t.Fatalf("unexpected event on narrow subscription: %s", ev.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullMailboxDropsOldestAndIsolatesSlowClient(t *testing.T) {
	bus := event.NewBus(2)
	defer bus.Close()

	slow := bus.Subscribe("slow", event.JobProgress)
	// The fast client drains as it goes, so it must see every frame.
	fast := bus.Subscribe("fast", event.JobProgress)

	seen := make([]string, 0, 4)
	for i := 1; i <= 4; i++ {
		bus.Publish(event.JobProgress, event.JobEvent{JobID: string(rune('0' + i))})
		seen = append(seen, recv(t, fast).Payload.(event.JobEvent).JobID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, seen)

	// The slow client's mailbox holds two frames; the oldest were dropped.
	assert.Equal(t, "3", recv(t, slow).Payload.(event.JobEvent).JobID)
	assert.Equal(t, "4", recv(t, slow).Payload.(event.JobEvent).JobID)
	select {
	case ev := <-slow:
		t.Fatalf("expected empty mailbox, got %v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAccumulatesPatterns(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	ch := bus.Subscribe("c1", event.JobCreated)
	ch2 := bus.Subscribe("c1", event.JobCompleted)
	// Same client, same mailbox.
	require.Equal(t, ch, ch2)

	bus.Publish(event.JobCreated, event.JobEvent{JobID: "j1"})
	bus.Publish(event.JobCompleted, event.JobEvent{JobID: "j1"})
	assert.Equal(t, event.JobCreated, recv(t, ch).Channel)
	assert.Equal(t, event.JobCompleted, recv(t, ch).Channel)
}

func TestUnsubscribePattern(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	ch := bus.Subscribe("c1", event.JobCreated, event.JobCompleted)
	bus.Unsubscribe("c1", event.JobCreated)

	bus.Publish(event.JobCreated, event.JobEvent{JobID: "j1"})
	bus.Publish(event.JobCompleted, event.JobEvent{JobID: "j1"})

	ev := recv(t, ch)
	assert.Equal(t, event.JobCompleted, ev.Channel)
}

func TestUnsubscribeAllClosesMailbox(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	ch := bus.Subscribe("c1", event.Wildcard)
	bus.Unsubscribe("c1")

	_, ok := <-ch
	assert.False(t, ok, "mailbox should be closed")
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after removal must not panic.
	bus.Publish(event.JobCreated, event.JobEvent{JobID: "j1"})
}

func TestCloseBus(t *testing.T) {
	bus := event.NewBus(16)
	ch := bus.Subscribe("c1", event.Wildcard)
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Idempotent close and post-close calls are no-ops.
	bus.Close()
	bus.Publish(event.JobCreated, event.JobEvent{JobID: "j1"})
	late := bus.Subscribe("c2", event.Wildcard)
	_, ok = <-late
	assert.False(t, ok)
}
