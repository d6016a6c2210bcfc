package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alephworks/alephauto/pkg/timex"
)

// DefaultCapacity is the activity ring size when none is configured.
const DefaultCapacity = 50

// Activity severities.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Activity is one human-readable feed entry derived from a lifecycle event.
type Activity struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	EventType    string `json:"event_type"`
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	JobID        string `json:"job_id,omitempty"`
	Message      string `json:"message"`
	Severity     string `json:"severity"`
	Details      any    `json:"details,omitempty"`
}

const feedClientID = "activity-feed"

// Feed keeps the most recent activity items in a fixed ring so the dashboard
// can hydrate without replaying the whole event history. Oldest entries drop
// on overflow.
type Feed struct {
	bus     *Bus
	nameFor func(pipelineID string) string

	mu    sync.Mutex
	items []Activity
	next  int
	count int
}

// NewFeed constructs a feed of the given capacity. nameFor resolves pipeline
// ids to display names; nil keeps the raw id.
func NewFeed(bus *Bus, capacity int, nameFor func(string) string) *Feed {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if nameFor == nil {
		nameFor = func(id string) string { return id }
	}
	return &Feed{
		bus:     bus,
		nameFor: nameFor,
		items:   make([]Activity, capacity),
	}
}

// Record inserts an item, filling id and timestamp when absent, and announces
// it on activity:new. It never blocks and never fails.
func (f *Feed) Record(item Activity) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp == "" {
		item.Timestamp = timex.Now()
	}
	f.mu.Lock()
	f.items[f.next] = item
	f.next = (f.next + 1) % len(f.items)
	if f.count < len(f.items) {
		f.count++
	}
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(ActivityNew, item)
	}
}

// Recent returns up to n items, newest first.
func (f *Feed) Recent(n int) []Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > f.count {
		n = f.count
	}
	out := make([]Activity, 0, n)
	idx := f.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(f.items) - 1
		}
		out = append(out, f.items[idx])
	}
	return out
}

// Run consumes lifecycle events from the bus and records them until ctx is
// cancelled or the bus closes. Progress and derived channels are skipped so
// the feed stays readable.
func (f *Feed) Run(ctx context.Context) {
	ch := f.bus.Subscribe(feedClientID,
		JobCreated, JobStarted, JobCompleted, JobFailed, JobCancelled,
		RetryScheduled, RetryMaxAttempts, SystemStatus,
	)
	defer f.bus.Unsubscribe(feedClientID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if item, ok := f.convert(ev); ok {
				f.Record(item)
			}
		}
	}
}

func (f *Feed) convert(ev Event) (Activity, bool) {
	item := Activity{
		EventType: ev.Channel,
		Timestamp: timex.Format(ev.Timestamp),
		Severity:  SeverityInfo,
	}
	switch p := ev.Payload.(type) {
	case JobEvent:
		item.PipelineID = p.PipelineID
		item.JobID = p.JobID
		switch ev.Channel {
		case JobCreated:
			item.Message = fmt.Sprintf("Job %s queued", p.JobID)
		case JobStarted:
			item.Message = fmt.Sprintf("Job %s started", p.JobID)
		case JobCompleted:
			item.Severity = SeveritySuccess
			item.Message = fmt.Sprintf("Job %s completed", p.JobID)
		case JobFailed:
			item.Severity = SeverityError
			item.Message = fmt.Sprintf("Job %s failed", p.JobID)
			if p.Error != nil {
				item.Message = fmt.Sprintf("Job %s failed: %s", p.JobID, p.Error.Message)
				item.Details = p.Error
			}
		case JobCancelled:
			item.Message = fmt.Sprintf("Job %s cancelled", p.JobID)
		default:
			return Activity{}, false
		}
	case RetryEvent:
		item.PipelineID = p.PipelineID
		item.JobID = p.JobID
		switch ev.Channel {
		case RetryScheduled:
			item.Severity = SeverityWarning
			item.Message = fmt.Sprintf("Retry %d/%d scheduled for %s in %dms", p.Attempt, p.MaxAttempts, p.OriginalID, p.DelayMS)
		case RetryMaxAttempts:
			item.Severity = SeverityError
			item.Message = fmt.Sprintf("Job %s abandoned after %d attempts", p.OriginalID, p.Attempt)
			if p.Reason != "" {
				item.Details = map[string]string{"reason": p.Reason}
			}
		default:
			return Activity{}, false
		}
	case SystemEvent:
		item.Message = fmt.Sprintf("System %s", p.Status)
		if p.Message != "" {
			item.Message = fmt.Sprintf("System %s: %s", p.Status, p.Message)
		}
	default:
		return Activity{}, false
	}
	item.PipelineName = f.nameFor(item.PipelineID)
	return item, true
}
