package event_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
)

func TestRingKeepsLastNNewestFirst(t *testing.T) {
	feed := event.NewFeed(nil, 5, nil)
	for i := 1; i <= 8; i++ {
		feed.Record(event.Activity{Message: fmt.Sprintf("m%d", i)})
	}

	got := feed.Recent(5)
	require.Len(t, got, 5)
	for i, item := range got {
		assert.Equal(t, fmt.Sprintf("m%d", 8-i), item.Message)
		assert.NotEmpty(t, item.ID)
		assert.NotEmpty(t, item.Timestamp)
	}
}

func TestRecentClampsToStoredCount(t *testing.T) {
	feed := event.NewFeed(nil, 50, nil)
	feed.Record(event.Activity{Message: "a"})
	feed.Record(event.Activity{Message: "b"})

	assert.Len(t, feed.Recent(100), 2)
	got := feed.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Message)
	assert.Empty(t, feed.Recent(0))
}

func TestRecordAnnouncesOnBus(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()
	feed := event.NewFeed(bus, 10, nil)

	ch := bus.Subscribe("listener", event.ActivityNew)
	feed.Record(event.Activity{Message: "hello", Severity: event.SeverityInfo})

	ev := recv(t, ch)
	item, ok := ev.Payload.(event.Activity)
	require.True(t, ok)
	assert.Equal(t, "hello", item.Message)
}

func TestRunConvertsLifecycleEvents(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()
	names := func(id string) string {
		if id == "repomix" {
			return "Repomix Generator"
		}
		return id
	}
	feed := event.NewFeed(bus, 10, names)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	// Wait for the feed subscription before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(event.JobCompleted, event.JobEvent{JobID: "j1", PipelineID: "repomix", Status: "completed"})
	bus.Publish(event.JobFailed, event.JobEvent{
		JobID: "j2", PipelineID: "repomix", Status: "failed",
		Error: &domain.JobError{Message: "disk full", Category: "filesystem"},
	})
	bus.Publish(event.RetryScheduled, event.RetryEvent{
		JobID: "j3", OriginalID: "j3", PipelineID: "repomix", Attempt: 1, MaxAttempts: 2, DelayMS: 5,
	})
	// Progress frames are noise and must not show up in the feed.
	bus.Publish(event.JobProgress, event.JobEvent{JobID: "j1", PipelineID: "repomix"})

	require.Eventually(t, func() bool { return len(feed.Recent(10)) == 3 }, 2*time.Second, 10*time.Millisecond)

	got := feed.Recent(10)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, event.RetryScheduled, got[0].EventType)
	assert.Equal(t, event.SeverityWarning, got[0].Severity)
	assert.Contains(t, got[0].Message, "Retry 1/2")

	assert.Equal(t, event.JobFailed, got[1].EventType)
	assert.Equal(t, event.SeverityError, got[1].Severity)
	assert.Contains(t, got[1].Message, "disk full")
	assert.Equal(t, "Repomix Generator", got[1].PipelineName)

	assert.Equal(t, event.JobCompleted, got[2].EventType)
	assert.Equal(t, event.SeveritySuccess, got[2].Severity)
	assert.Equal(t, "j1", got[2].JobID)
}
