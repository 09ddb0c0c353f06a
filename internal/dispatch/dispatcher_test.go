package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

var at = time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)

func goodbyeResult() (models.TransitionResult, *models.TransitionRecord) {
	rec := &models.TransitionRecord{
		ID:        "tr-1",
		UserID:    "15551234567",
		FromState: models.StateActive,
		ToState:   models.StateGoodbyeSent,
		Trigger:   models.TriggerInactivity14d,
		Metadata:  models.InactivityMetadata{DaysInactive: 14, TriggerSource: models.TriggerSourceScheduler},
		Timestamp: at,
	}
	res := models.TransitionResult{
		Success:       true,
		PreviousState: models.StateActive,
		NewState:      models.StateGoodbyeSent,
		SideEffects:   []models.SideEffect{models.SideEffectQueuedGoodbyeMessage, models.SideEffectGoodbyeTimerStarted},
		TransitionID:  rec.ID,
	}
	return res, rec
}

func TestDispatchGoodbye(t *testing.T) {
	ctx := context.Background()
	outbox := store.NewInMemoryStore()
	sink := &RecordingSink{}
	d := NewDispatcher(outbox, sink, WithDestinationResolver(func(u string) string { return "+" + u }))

	res, rec := goodbyeResult()
	d.Dispatch(ctx, rec.UserID, res, rec, map[string]any{"days_inactive": 99, "channel": "sms"})

	claimed, err := outbox.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	msg := claimed[0]
	assert.Equal(t, "15551234567:goodbye:2025-01-01", msg.DedupeKey)
	assert.Equal(t, "+15551234567", msg.Destination)
	assert.Equal(t, string(models.MessageTypeGoodbye), msg.Kind)

	var payload GoodbyePayload
	require.NoError(t, json.Unmarshal([]byte(msg.PayloadJSON), &payload))
	assert.Equal(t, "tr-1", payload.TransitionID)

	require.Equal(t, []string{EventGoodbyeTimerStarted}, sink.Names())
	props := sink.Events()[0].Props
	assert.Equal(t, 14, props["days_inactive"], "typed metadata wins over extras")
	assert.Equal(t, "sms", props["channel"])
	assert.Equal(t, "goodbye_sent", props["to_state"])
	assert.Equal(t, "tr-1", props["transition_id"])
}

func TestDispatchGoodbyeIsIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	outbox := store.NewInMemoryStore()
	d := NewDispatcher(outbox, &RecordingSink{})

	res, rec := goodbyeResult()
	d.Dispatch(ctx, rec.UserID, res, rec, nil)

	later := *rec
	later.ID = "tr-2"
	later.Timestamp = at.Add(10 * time.Hour)
	d.Dispatch(ctx, rec.UserID, res, &later, nil)

	claimed, err := outbox.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)

	nextDay := *rec
	nextDay.Timestamp = at.Add(24 * time.Hour)
	d.Dispatch(ctx, rec.UserID, res, &nextDay, nil)
	claimed, err = outbox.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestQueueMessage(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(store.NewInMemoryStore(), nil)
	task := models.OutboundMessageTask{UserID: "u", MessageType: models.MessageTypeGoodbye, IdempotencyKey: "u:goodbye:2025-01-01"}

	r, err := d.QueueMessage(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, QueueAccepted, r)

	r, err = d.QueueMessage(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, QueueDuplicate, r)

	task.IdempotencyKey = ""
	_, err = d.QueueMessage(ctx, task)
	assert.Error(t, err)
}

type failingOutbox struct{}

func (failingOutbox) EnqueueOutboxMessage(context.Context, models.OutboundMessageTask) (string, bool, error) {
	return "", false, errors.New("disk full")
}

// flakyOutbox fails its first `failures` enqueues, then delegates to next.
type flakyOutbox struct {
	mu       sync.Mutex
	next     Outbox
	failures int
	calls    int
}

func (f *flakyOutbox) EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (string, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return "", false, errors.New("connection reset")
	}
	return f.next.EnqueueOutboxMessage(ctx, task)
}

type panickingSink struct{}

func (panickingSink) Record(context.Context, string, string, map[string]any) error {
	panic("sink down")
}

func TestDispatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	sink := &RecordingSink{Err: errors.New("analytics offline")}
	d := NewDispatcher(failingOutbox{}, sink, WithQueueRetry(2, 0))

	res, rec := goodbyeResult()
	assert.NotPanics(t, func() { d.Dispatch(ctx, rec.UserID, res, rec, nil) })
	// The queue failure does not stop the analytics effect.
	assert.Equal(t, []string{EventGoodbyeTimerStarted}, sink.Names())

	d = NewDispatcher(failingOutbox{}, panickingSink{}, WithQueueRetry(2, 0))
	assert.NotPanics(t, func() { d.Dispatch(ctx, rec.UserID, res, rec, nil) })
	assert.NotPanics(t, func() { d.RecordAnalytics(ctx, EventUserReactivated, "u", nil) })
}

func TestDispatchEventNames(t *testing.T) {
	cases := map[models.SideEffect]string{
		models.SideEffectInitializedNewUser:    EventUserInitialized,
		models.SideEffectReactivatedUser:       EventUserReactivated,
		models.SideEffectReminderScheduled:     EventReminderScheduled,
		models.SideEffectGoodbyeTimerStarted:   EventGoodbyeTimerStarted,
		models.SideEffectTrackedGoodbyeTimeout: EventGoodbyeTimeout,
	}
	for se, want := range cases {
		sink := &RecordingSink{}
		d := NewDispatcher(store.NewInMemoryStore(), sink)
		d.Dispatch(context.Background(), "u", models.TransitionResult{Success: true, SideEffects: []models.SideEffect{se}}, nil, nil)
		assert.Equal(t, []string{want}, sink.Names(), string(se))
	}

	sink := &RecordingSink{}
	d := NewDispatcher(store.NewInMemoryStore(), sink)
	d.Dispatch(context.Background(), "u", models.TransitionResult{Success: true, SideEffects: []models.SideEffect{models.SideEffectNoMessageSentByDesign}}, nil, nil)
	assert.Empty(t, sink.Names())
}

func TestDispatchGoodbyeWithoutRecord(t *testing.T) {
	outbox := store.NewInMemoryStore()
	d := NewDispatcher(outbox, &RecordingSink{})
	d.Dispatch(context.Background(), "u", models.TransitionResult{SideEffects: []models.SideEffect{models.SideEffectQueuedGoodbyeMessage}}, nil, nil)
	claimed, err := outbox.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestDispatchGoodbyeSurvivesTransientOutboxFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemoryStore()
	outbox := &flakyOutbox{next: mem, failures: 1}
	d := NewDispatcher(outbox, &RecordingSink{}, WithQueueRetry(3, time.Millisecond))

	res, rec := goodbyeResult()
	d.Dispatch(ctx, rec.UserID, res, rec, nil)

	assert.Equal(t, 2, outbox.calls)
	claimed, err := mem.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "15551234567:goodbye:2025-01-01", claimed[0].DedupeKey)
}

func TestQueueMessageRetryLimit(t *testing.T) {
	ctx := context.Background()
	task := models.OutboundMessageTask{UserID: "u", MessageType: models.MessageTypeGoodbye, IdempotencyKey: "u:goodbye:2025-01-01"}

	outbox := &flakyOutbox{next: store.NewInMemoryStore(), failures: 5}
	d := NewDispatcher(outbox, nil, WithQueueRetry(3, 0))
	_, err := d.QueueMessage(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, outbox.calls)

	outbox = &flakyOutbox{next: store.NewInMemoryStore(), failures: 2}
	d = NewDispatcher(outbox, nil, WithQueueRetry(3, 0))
	r, err := d.QueueMessage(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, QueueAccepted, r)

	// A retry after the row was written still collapses onto the same key.
	r, err = d.QueueMessage(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, QueueDuplicate, r)
}

func TestQueueMessageRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outbox := &flakyOutbox{next: store.NewInMemoryStore(), failures: 5}
	d := NewDispatcher(outbox, nil, WithQueueRetry(5, time.Hour))

	_, err := d.QueueMessage(ctx, models.OutboundMessageTask{UserID: "u", MessageType: models.MessageTypeGoodbye, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, outbox.calls)
}
