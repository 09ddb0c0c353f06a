package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EngagePipe/internal/dispatch"
	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/scheduler"
	"github.com/BTreeMap/EngagePipe/internal/testutil"
)

const day = 24 * time.Hour

func TestSchedulerAddJob(t *testing.T) {
	s := scheduler.NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 1h", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSweepDrivesTimeBasedTransitions(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	sw := scheduler.NewSweeper(h.Engine, h.Queries, scheduler.WithWorkers(2))

	h.Apply(t, "u1", models.TriggerUserMessage)
	h.Apply(t, "u2", models.TriggerUserMessage)
	h.Clock.Advance(10 * day)
	h.Apply(t, "u3", models.TriggerUserMessage)
	h.Clock.Advance(5 * day)

	report, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PassReport{Due: 2, Applied: 2}, report.Inactivity)
	assert.Equal(t, models.PassReport{}, report.Goodbyes)
	assert.Equal(t, models.StateGoodbyeSent, h.State(t, "u1"))
	assert.Equal(t, models.StateGoodbyeSent, h.State(t, "u2"))
	assert.Equal(t, models.StateActive, h.State(t, "u3"))
	assert.Len(t, h.DrainOutbox(t), 2)

	h.Apply(t, "u2", models.TriggerGoodbyeResponse2)
	h.Clock.Advance(49 * time.Hour)

	report, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PassReport{Due: 1, Applied: 1}, report.Goodbyes)
	assert.Equal(t, models.PassReport{}, report.Reminders)
	assert.Equal(t, models.PassReport{}, report.Inactivity)
	assert.Equal(t, models.StateDormant, h.State(t, "u1"))
	assert.Equal(t, models.StateRemindLater, h.State(t, "u2"))

	h.Clock.Advance(14 * day)
	report, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PassReport{Due: 1, Applied: 1}, report.Reminders)
	assert.Equal(t, models.PassReport{Due: 1, Applied: 1}, report.Inactivity)
	assert.Equal(t, models.StateDormant, h.State(t, "u2"))
	assert.Equal(t, models.StateGoodbyeSent, h.State(t, "u3"))

	// Nothing left to do at the same instant.
	report, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SweepReport{}, report)
}

// hiccupOutbox fails its first enqueue and then writes through.
type hiccupOutbox struct {
	next  dispatch.Outbox
	calls atomic.Int32
}

func (o *hiccupOutbox) EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (string, bool, error) {
	if o.calls.Add(1) == 1 {
		return "", false, errors.New("outbox unavailable")
	}
	return o.next.EnqueueOutboxMessage(ctx, task)
}

func TestSweepQueuesGoodbyeDespiteOutboxHiccup(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	outbox := &hiccupOutbox{next: h.Store}
	d := dispatch.NewDispatcher(outbox, h.Sink, dispatch.WithQueueRetry(3, 0))
	eng := engagement.NewEngine(h.Store, engagement.WithClock(h.Clock), engagement.WithDispatcher(d))
	sw := scheduler.NewSweeper(eng, h.Queries)

	h.Apply(t, "u1", models.TriggerUserMessage)
	h.Clock.Advance(15 * day)

	report, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PassReport{Due: 1, Applied: 1}, report.Inactivity)
	assert.Equal(t, models.StateGoodbyeSent, h.State(t, "u1"))
	assert.Equal(t, int32(2), outbox.calls.Load())

	msgs := h.DrainOutbox(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "u1", msgs[0].UserID)
	assert.Equal(t, "u1:goodbye:"+h.Clock.Now().Format("2006-01-02"), msgs[0].DedupeKey)
	assert.True(t, msgs[0].CreatedAt.Equal(h.Clock.Now()))
}

type stubQueries struct {
	inactive []string
	expired  []string
	reminder []string
	err      error
	days     int
}

func (q *stubQueries) GetInactiveUsers(_ context.Context, days int) ([]string, error) {
	q.days = days
	return q.inactive, nil
}

func (q *stubQueries) GetExpiredGoodbyes(context.Context) ([]string, error) {
	return q.expired, nil
}

func (q *stubQueries) GetDueReminders(context.Context) ([]string, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.reminder, nil
}

type stubEngine struct {
	errs     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	calls    map[string]models.Trigger
}

func (e *stubEngine) TransitionState(ctx context.Context, userID string, trigger models.Trigger, _ map[string]any) (models.TransitionResult, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	if e.calls == nil {
		e.calls = map[string]models.Trigger{}
	}
	e.calls[userID] = trigger
	e.mu.Unlock()
	if err := e.errs[userID]; err != nil {
		return models.TransitionResult{Error: err.Error()}, err
	}
	return models.TransitionResult{Success: true}, nil
}

func TestSweepCountsOutcomes(t *testing.T) {
	q := &stubQueries{
		expired:  []string{"ok", "conflict", "moved", "gone", "broken"},
		inactive: []string{"idle"},
	}
	eng := &stubEngine{errs: map[string]error{
		"conflict": fmt.Errorf("cas: %w", engagement.ErrConcurrencyConflict),
		"moved":    fmt.Errorf("%w: dormant cannot accept goodbye_timeout", engagement.ErrInvalidTransition),
		"gone":     engagement.ErrRecordNotFound,
		"broken":   fmt.Errorf("%w: disk full", engagement.ErrPersistence),
	}}
	sw := scheduler.NewSweeper(eng, q, scheduler.WithInactivityDays(30))

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PassReport{Due: 5, Applied: 1, Conflicts: 1, Rejected: 2, Failed: 1}, report.Goodbyes)
	assert.Equal(t, models.PassReport{Due: 1, Applied: 1}, report.Inactivity)
	assert.Equal(t, 30, q.days)
	assert.Equal(t, models.TriggerGoodbyeTimeout, eng.calls["ok"])
	assert.Equal(t, models.TriggerInactivity14d, eng.calls["idle"])
}

func TestSweepStopsOnQueryFailure(t *testing.T) {
	q := &stubQueries{expired: []string{"a"}, inactive: []string{"b"}, err: errors.New("db down")}
	eng := &stubEngine{}
	sw := scheduler.NewSweeper(eng, q)

	report, err := sw.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, report.Goodbyes.Applied)
	assert.Equal(t, models.PassReport{}, report.Inactivity)
	_, touched := eng.calls["b"]
	assert.False(t, touched, "inactivity pass must not run after a failed query")
}

func TestSweepHonoursWorkerLimit(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%02d", i)
	}
	eng := &stubEngine{delay: 5 * time.Millisecond}
	sw := scheduler.NewSweeper(eng, &stubQueries{inactive: ids}, scheduler.WithWorkers(3))

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, report.Inactivity.Applied)
	assert.LessOrEqual(t, eng.maxSeen.Load(), int32(3))
}

func TestSweepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng := &stubEngine{}
	sw := scheduler.NewSweeper(eng, &stubQueries{expired: []string{"a", "b"}})

	report, err := sw.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Goodbyes.Due)
	assert.Zero(t, report.Goodbyes.Applied)
}
