package engagement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "active-15d", models.StateActive, refNow.Add(-15*day), nil)
	f.seed(t, "active-14d", models.StateActive, refNow.Add(-14*day), nil)
	f.seed(t, "active-10d", models.StateActive, refNow.Add(-10*day), nil)
	f.seed(t, "goodbye-20d", models.StateGoodbyeSent, refNow.Add(-20*day), goodbyeAt(refNow.Add(-time.Hour)))
	f.seed(t, "goodbye-expired", models.StateGoodbyeSent, refNow.Add(-20*day), goodbyeAt(refNow.Add(-49*time.Hour)))
	f.seed(t, "remind-due", models.StateRemindLater, refNow.Add(-30*day), func(s *models.EngagementState) {
		at := refNow
		s.RemindAt = &at
	})
	f.seed(t, "remind-future", models.StateRemindLater, refNow.Add(-30*day), func(s *models.EngagementState) {
		at := refNow.Add(time.Hour)
		s.RemindAt = &at
	})

	q := NewQueries(f.store, f.clock)
	ctx := context.Background()

	inactive, err := q.GetInactiveUsers(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, []string{"active-14d", "active-15d"}, inactive)

	expired, err := q.GetExpiredGoodbyes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"goodbye-expired"}, expired)

	due, err := q.GetDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"remind-due"}, due)

	// The clock drives every query.
	f.clock.Advance(2 * time.Hour)
	due, err = q.GetDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"remind-due", "remind-future"}, due)

	_, err = q.GetInactiveUsers(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestComputeStats(t *testing.T) {
	thirty := 30
	records := []models.TransitionRecord{
		{FromState: models.StateActive, ToState: models.StateGoodbyeSent, Trigger: models.TriggerInactivity14d,
			Metadata: models.InactivityMetadata{DaysInactive: 14, TriggerSource: models.TriggerSourceScheduler}},
		{FromState: models.StateActive, ToState: models.StateGoodbyeSent, Trigger: models.TriggerInactivity14d,
			Metadata: models.InactivityMetadata{DaysInactive: 16, TriggerSource: models.TriggerSourceScheduler}},
		{FromState: models.StateGoodbyeSent, ToState: models.StateRemindLater, Trigger: models.TriggerGoodbyeResponse2,
			Metadata: models.GoodbyeResponseMetadata{ResponseType: models.ResponseTypeBusy}},
		{FromState: models.StateGoodbyeSent, ToState: models.StateDormant, Trigger: models.TriggerGoodbyeTimeout,
			Metadata: models.GoodbyeTimeoutMetadata{ResponseType: models.ResponseTypeTimeout, HoursWaited: 49, DaysSinceGoodbye: 2}},
		{FromState: models.StateDormant, ToState: models.StateActive, Trigger: models.TriggerUserMessage,
			Metadata: models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage, UnpromptedReturn: true, DaysInactive: &thirty}},
	}

	stats := ComputeStats(records)
	assert.Equal(t, 5, stats.TotalTransitions)
	assert.Equal(t, map[string]int{
		"active->goodbye_sent":       2,
		"goodbye_sent->remind_later": 1,
		"goodbye_sent->dormant":      1,
		"dormant->active":            1,
	}, stats.TransitionsByType)
	assert.Equal(t, map[string]int{"busy": 1, "timeout": 1}, stats.ResponseTypeDistribution)
	assert.InDelta(t, 20.0, stats.AverageDaysInactive, 1e-9)

	empty := ComputeStats(nil)
	assert.Zero(t, empty.TotalTransitions)
	assert.NotNil(t, empty.TransitionsByType)
	assert.Zero(t, empty.AverageDaysInactive)
}

func TestGetTransitionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "u1", models.StateActive, refNow.Add(-20*day), nil)
	_, err := f.engine.TransitionState(ctx, "u1", models.TriggerInactivity14d, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.engine.TransitionState(ctx, "u1", models.TriggerGoodbyeResponse3, nil)
	require.NoError(t, err)

	stats, err := GetTransitionStats(ctx, f.store, refNow, refNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTransitions)
	assert.Equal(t, 20.0, stats.AverageDaysInactive)

	stats, err = GetTransitionStats(ctx, f.store, refNow, refNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTransitions)
	assert.Equal(t, map[string]int{"all_good": 1}, stats.ResponseTypeDistribution)

	_, err = GetTransitionStats(ctx, f.store, refNow, refNow)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
