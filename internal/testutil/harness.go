package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EngagePipe/internal/clock"
	"github.com/BTreeMap/EngagePipe/internal/dispatch"
	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// RefTime is the instant every Harness clock starts at.
var RefTime = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// Harness wires a full engine over an in-memory store and a fake clock.
type Harness struct {
	Store      *store.InMemoryStore
	Clock      *clock.Fake
	Sink       *dispatch.RecordingSink
	Dispatcher *dispatch.Dispatcher
	Engine     *engagement.Engine
	Queries    *engagement.Queries
}

// NewHarness builds a Harness with the default policy.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	clk := clock.NewFake(RefTime)
	h := &Harness{
		Store: store.NewInMemoryStore(store.WithMemoryClock(clk.Now)),
		Clock: clk,
		Sink:  &dispatch.RecordingSink{},
	}
	h.Dispatcher = dispatch.NewDispatcher(h.Store, h.Sink, dispatch.WithQueueRetry(dispatch.DefaultQueueAttempts, 0))
	h.Engine = engagement.NewEngine(h.Store, engagement.WithClock(h.Clock), engagement.WithDispatcher(h.Dispatcher))
	h.Queries = engagement.NewQueries(h.Store, h.Clock)
	return h
}

// Apply fires trigger for userID and fails the test on error.
func (h *Harness) Apply(t *testing.T, userID string, trigger models.Trigger) models.TransitionResult {
	t.Helper()
	res, err := h.Engine.TransitionState(context.Background(), userID, trigger, nil)
	require.NoError(t, err, "apply %s to %s", trigger, userID)
	require.True(t, res.Success, "apply %s to %s: %s", trigger, userID, res.Error)
	return res
}

// State returns the stored state of userID.
func (h *Harness) State(t *testing.T, userID string) models.State {
	t.Helper()
	rec, err := h.Store.GetEngagementState(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, rec, "no record for %s", userID)
	return rec.State
}

// DrainOutbox claims every queued outbox message.
func (h *Harness) DrainOutbox(t *testing.T) []store.OutboxMessage {
	t.Helper()
	msgs, err := h.Store.ClaimDueOutboxMessages(context.Background(), h.Clock.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	return msgs
}
