package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephworks/alephauto/internal/scheduler"
)

type fakeSubmitter struct {
	pipeline string
	err      error

	mu   sync.Mutex
	ids  []string
	data []json.RawMessage
}

func (f *fakeSubmitter) PipelineID() string { return f.pipeline }

func (f *fakeSubmitter) Submit(ctx context.Context, id string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func TestRunOnStartupFiresExactlyOnce(t *testing.T) {
	s := scheduler.New()
	target := &fakeSubmitter{pipeline: "repomix"}
	s.RunOnStartup("repomix", target, func() json.RawMessage {
		return json.RawMessage(`{"source":"startup"}`)
	})

	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	ids := target.submitted()
	require.Len(t, ids, 1)
	assert.True(t, strings.HasPrefix(ids[0], "repomix-"), "id = %s", ids[0])
	assert.JSONEq(t, `{"source":"startup"}`, string(target.data[0]))

	// Start is idempotent; a second call must not refire startup triggers.
	s.Start()
	assert.Len(t, target.submitted(), 1)
}

func TestStartupOrderFollowsRegistration(t *testing.T) {
	s := scheduler.New()
	var mu sync.Mutex
	var order []string
	mk := func(id string) *orderedSubmitter {
		return &orderedSubmitter{pipeline: id, mu: &mu, order: &order}
	}
	s.RunOnStartup("a", mk("a"), nil)
	s.RunOnStartup("b", mk("b"), nil)
	s.RunOnStartup("c", mk("c"), nil)

	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

type orderedSubmitter struct {
	pipeline string
	mu       *sync.Mutex
	order    *[]string
}

func (o *orderedSubmitter) PipelineID() string { return o.pipeline }

func (o *orderedSubmitter) Submit(ctx context.Context, id string, data json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.order = append(*o.order, o.pipeline)
	return nil
}

func TestScheduleValidatesExpression(t *testing.T) {
	s := scheduler.New()
	target := &fakeSubmitter{pipeline: "p"}

	require.NoError(t, s.Schedule("p", "*/5 * * * *", target, nil))
	// Six fields is the seconds-extended syntax, which is not accepted.
	assert.Error(t, s.Schedule("p6", "0 */5 * * * *", target, nil))
	assert.Error(t, s.Schedule("bad", "not a cron", target, nil))
}

func TestScheduleSameNameReplaces(t *testing.T) {
	s := scheduler.New()
	target := &fakeSubmitter{pipeline: "p"}

	require.NoError(t, s.Schedule("p", "0 * * * *", target, nil))
	require.NoError(t, s.Schedule("p", "30 * * * *", target, nil))
}

func TestStartupSubmissionErrorDoesNotAbort(t *testing.T) {
	s := scheduler.New()
	rejecting := &fakeSubmitter{pipeline: "a", err: errors.New("queue full")}
	accepting := &fakeSubmitter{pipeline: "b"}
	s.RunOnStartup("a", rejecting, nil)
	s.RunOnStartup("b", accepting, nil)

	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Len(t, accepting.submitted(), 1)
}

func TestStopHonoursDeadline(t *testing.T) {
	s := scheduler.New()
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
