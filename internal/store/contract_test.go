package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
	"github.com/BTreeMap/EngagePipe/internal/testutil"
	"github.com/BTreeMap/EngagePipe/internal/util"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type opener func(t *testing.T) store.Store

func TestInMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store { return store.NewInMemoryStore() })
}

func TestSQLiteStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "engage.db")))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	runContract(t, func(t *testing.T) store.Store {
		s, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)
		defer db.Close()
		_, err = db.Exec(`TRUNCATE engagement_states, engagement_transitions, outbox_messages, inbound_dedup`)
		require.NoError(t, err)
		return s
	})
}

func TestRedisStoreContract(t *testing.T) {
	addr := testutil.RedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	runContract(t, func(t *testing.T) store.Store {
		// A fresh prefix per subtest isolates keys without flushing.
		return store.NewRedisStoreWithClient(client, "engagepipe:test:"+util.GenerateRandomHex(12)+":")
	})
}

func runContract(t *testing.T, open opener) {
	t.Run("InitializeAndGet", func(t *testing.T) { contractInitializeAndGet(t, open(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { contractCompareAndSwap(t, open(t)) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { contractConcurrentCAS(t, open(t)) })
	t.Run("DueQueries", func(t *testing.T) { contractDueQueries(t, open(t)) })
	t.Run("TransitionLog", func(t *testing.T) { contractTransitionLog(t, open(t)) })
	t.Run("Outbox", func(t *testing.T) { contractOutbox(t, open(t)) })
	t.Run("OutboxGivesUp", func(t *testing.T) { contractOutboxGivesUp(t, open(t)) })
	t.Run("OutboxStaleRecovery", func(t *testing.T) { contractOutboxStale(t, open(t)) })
	t.Run("Dedup", func(t *testing.T) { contractDedup(t, open(t)) })
}

func contractInitializeAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.GetEngagementState(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	created, err := s.InitializeEngagementState(ctx, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, created.State)
	assert.Equal(t, int64(1), created.Version)

	got, err = s.GetEngagementState(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StateActive, got.State)
	assert.True(t, got.LastActivityAt.Equal(t0))
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.GoodbyeSentAt)
	assert.Nil(t, got.RemindAt)

	_, err = s.InitializeEngagementState(ctx, "alice", t0)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
}

func goodbyeState(userID string, sentAt time.Time) models.EngagementState {
	expires := sentAt.Add(48 * time.Hour)
	sent := sentAt
	return models.EngagementState{
		UserID:           userID,
		State:            models.StateGoodbyeSent,
		LastActivityAt:   sentAt.Add(-14 * 24 * time.Hour),
		GoodbyeSentAt:    &sent,
		GoodbyeExpiresAt: &expires,
		CreatedAt:        sentAt.Add(-14 * 24 * time.Hour),
		UpdatedAt:        sentAt,
	}
}

func record(id, userID string, from, to models.State, trigger models.Trigger, meta models.Metadata, at time.Time) *models.TransitionRecord {
	return &models.TransitionRecord{
		ID: id, UserID: userID, FromState: from, ToState: to, Trigger: trigger, Metadata: meta, Timestamp: at,
	}
}

func contractCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InitializeEngagementState(ctx, "bob", t0.Add(-14*24*time.Hour))
	require.NoError(t, err)

	next := goodbyeState("bob", t0)
	rec := record("tr-1", "bob", models.StateActive, models.StateGoodbyeSent, models.TriggerInactivity14d,
		models.InactivityMetadata{DaysInactive: 14, TriggerSource: models.TriggerSourceScheduler}, t0)
	require.NoError(t, s.CompareAndSwapEngagementState(ctx, 1, next, rec))

	got, err := s.GetEngagementState(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.StateGoodbyeSent, got.State)
	require.NotNil(t, got.GoodbyeExpiresAt)
	assert.True(t, got.GoodbyeExpiresAt.Equal(t0.Add(48*time.Hour)))

	// Stale version: nothing changes and nothing is logged.
	back := models.EngagementState{UserID: "bob", State: models.StateActive, LastActivityAt: t0, UpdatedAt: t0}
	err = s.CompareAndSwapEngagementState(ctx, 1, back,
		record("tr-2", "bob", models.StateGoodbyeSent, models.StateActive, models.TriggerUserMessage,
			models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}, t0))
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

	got, err = s.GetEngagementState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StateGoodbyeSent, got.State)
	assert.Equal(t, int64(2), got.Version)

	hist, err := s.GetUserTransitionHistory(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "tr-1", hist[0].ID)
	meta, ok := hist[0].Metadata.(models.InactivityMetadata)
	require.True(t, ok, "metadata type %T", hist[0].Metadata)
	assert.Equal(t, 14, meta.DaysInactive)

	// Missing record is a conflict, not an insert.
	ghost := models.EngagementState{UserID: "ghost", State: models.StateActive, LastActivityAt: t0, UpdatedAt: t0}
	assert.ErrorIs(t, s.CompareAndSwapEngagementState(ctx, 1, ghost, nil), store.ErrConcurrencyConflict)
	missing, err := s.GetEngagementState(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Ownership violations are rejected before any write.
	bad := models.EngagementState{UserID: "bob", State: models.StateDormant, LastActivityAt: t0, RemindAt: &t0, UpdatedAt: t0}
	err = s.CompareAndSwapEngagementState(ctx, 2, bad, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrConcurrencyConflict)

	// A write without a record bumps the version and logs nothing.
	touched := goodbyeState("bob", t0)
	require.NoError(t, s.CompareAndSwapEngagementState(ctx, 2, touched, nil))
	got, err = s.GetEngagementState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	hist, err = s.GetUserTransitionHistory(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func contractConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InitializeEngagementState(ctx, "carol", t0)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := goodbyeState("carol", t0.Add(time.Duration(i)*time.Second))
			rec := record(fmt.Sprintf("race-%d", i), "carol", models.StateActive, models.StateGoodbyeSent,
				models.TriggerInactivity14d, models.InactivityMetadata{DaysInactive: 14, TriggerSource: models.TriggerSourceScheduler}, t0)
			results <- s.CompareAndSwapEngagementState(ctx, 1, next, rec)
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, store.ErrConcurrencyConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	hist, err := s.GetUserTransitionHistory(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func contractDueQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := t0
	day := 24 * time.Hour

	seed := func(userID string, last time.Time, next *models.EngagementState) {
		t.Helper()
		_, err := s.InitializeEngagementState(ctx, userID, last)
		require.NoError(t, err)
		if next != nil {
			next.UserID = userID
			next.UpdatedAt = last
			require.NoError(t, s.CompareAndSwapEngagementState(ctx, 1, *next, nil))
		}
	}
	remind := func(at time.Time) *models.EngagementState {
		return &models.EngagementState{State: models.StateRemindLater, LastActivityAt: now.Add(-30 * day), RemindAt: &at}
	}
	goodbye := func(sent time.Time) *models.EngagementState {
		g := goodbyeState("", sent)
		return &g
	}

	seed("active-old", now.Add(-20*day), nil)
	seed("active-exact", now.Add(-14*day), nil)
	seed("active-recent", now.Add(-13*day), nil)
	seed("goodbye-expired", now.Add(-20*day), goodbye(now.Add(-50*time.Hour)))
	seed("goodbye-boundary", now.Add(-20*day), goodbye(now.Add(-48*time.Hour)))
	seed("goodbye-pending", now.Add(-20*day), goodbye(now.Add(-time.Hour)))
	seed("remind-due", now.Add(-30*day), remind(now.Add(-time.Minute)))
	seed("remind-future", now.Add(-30*day), remind(now.Add(day)))
	seed("dormant", now.Add(-60*day), &models.EngagementState{State: models.StateDormant, LastActivityAt: now.Add(-60 * day)})

	inactive, err := s.ListInactiveUsers(ctx, now.Add(-14*day))
	require.NoError(t, err)
	assert.Equal(t, []string{"active-exact", "active-old"}, inactive)

	expired, err := s.ListExpiredGoodbyes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"goodbye-boundary", "goodbye-expired"}, expired)

	due, err := s.ListDueReminders(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"remind-due"}, due)

	// Leaving a state removes the user from that state's query.
	g, err := s.GetEngagementState(ctx, "goodbye-expired")
	require.NoError(t, err)
	dormant := models.EngagementState{UserID: "goodbye-expired", State: models.StateDormant, LastActivityAt: g.LastActivityAt, UpdatedAt: now}
	require.NoError(t, s.CompareAndSwapEngagementState(ctx, g.Version, dormant, nil))
	expired, err = s.ListExpiredGoodbyes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"goodbye-boundary"}, expired)
}

func contractTransitionLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	hour := time.Hour
	meta := models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}
	for i, at := range []time.Time{t0, t0.Add(hour), t0.Add(2 * hour), t0.Add(2 * hour)} {
		require.NoError(t, s.AppendTransition(ctx, *record(fmt.Sprintf("d-%d", i), "dave",
			models.StateDormant, models.StateActive, models.TriggerUserMessage, meta, at)))
	}
	require.NoError(t, s.AppendTransition(ctx, *record("e-0", "erin", models.StateActive, models.StateGoodbyeSent,
		models.TriggerInactivity14d, models.InactivityMetadata{DaysInactive: 15, TriggerSource: models.TriggerSourceScheduler}, t0.Add(3*hour))))

	hist, err := s.GetUserTransitionHistory(ctx, "dave", 0)
	require.NoError(t, err)
	ids := make([]string, len(hist))
	for i, r := range hist {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"d-3", "d-2", "d-1", "d-0"}, ids)

	limited, err := s.GetUserTransitionHistory(ctx, "dave", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "d-3", limited[0].ID)

	none, err := s.GetUserTransitionHistory(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	window, err := s.ListTransitions(ctx, t0.Add(hour), t0.Add(3*hour))
	require.NoError(t, err)
	ids = ids[:0]
	for _, r := range window {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"d-1", "d-2", "d-3"}, ids)

	all, err := s.ListTransitions(ctx, t0, t0.Add(4*hour))
	require.NoError(t, err)
	require.Len(t, all, 5)
	last, ok := all[4].Metadata.(models.InactivityMetadata)
	require.True(t, ok)
	assert.Equal(t, 15, last.DaysInactive)
}

func contractOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := models.OutboundMessageTask{
		UserID:         "frank",
		MessageType:    models.MessageTypeGoodbye,
		IdempotencyKey: models.IdempotencyKey("frank", models.MessageTypeGoodbye, t0),
		Destination:    "frank",
		Payload:        `{"message_type":"goodbye"}`,
	}
	id, created, err := s.EnqueueOutboxMessage(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, id)

	dupID, created, err := s.EnqueueOutboxMessage(ctx, task)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, dupID)

	now := time.Now().UTC()
	claimed, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, store.OutboxStatusSending, claimed[0].Status)
	assert.Equal(t, "frank", claimed[0].UserID)
	assert.Equal(t, string(models.MessageTypeGoodbye), claimed[0].Kind)
	assert.Equal(t, task.Payload, claimed[0].PayloadJSON)

	again, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	retryAt := now.Add(time.Minute)
	require.NoError(t, s.FailOutboxMessage(ctx, id, "channel down", retryAt))
	m, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, store.OutboxStatusQueued, m.Status)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, "channel down", m.LastError)

	early, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, early)

	later, err := s.ClaimDueOutboxMessages(ctx, retryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	require.NoError(t, s.MarkOutboxMessageSent(ctx, id))

	m, err = s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSent, m.Status)

	// The key still absorbs duplicates after delivery.
	dupID, created, err = s.EnqueueOutboxMessage(ctx, task)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, dupID)

	missing, err := s.GetOutboxMessage(ctx, "outbox_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func contractOutboxGivesUp(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, _, err := s.EnqueueOutboxMessage(ctx, models.OutboundMessageTask{
		UserID: "gina", MessageType: models.MessageTypeGoodbye, IdempotencyKey: "gina:goodbye:2025-01-01",
	})
	require.NoError(t, err)

	at := time.Now().UTC()
	for i := 0; i < store.MaxOutboxAttempts; i++ {
		claimed, err := s.ClaimDueOutboxMessages(ctx, at, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", i)
		at = at.Add(time.Hour)
		require.NoError(t, s.FailOutboxMessage(ctx, id, "boom", at))
	}

	m, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusFailed, m.Status)
	assert.Equal(t, store.MaxOutboxAttempts, m.Attempts)

	claimed, err := s.ClaimDueOutboxMessages(ctx, at.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func contractOutboxStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, _, err := s.EnqueueOutboxMessage(ctx, models.OutboundMessageTask{
		UserID: "hank", MessageType: models.MessageTypeGoodbye, IdempotencyKey: "hank:goodbye:2025-01-01",
	})
	require.NoError(t, err)

	lockedAt := time.Now().UTC().Add(time.Second)
	claimed, err := s.ClaimDueOutboxMessages(ctx, lockedAt, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.RequeueStaleSendingMessages(ctx, lockedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.RequeueStaleSendingMessages(ctx, lockedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusQueued, m.Status)
}

func contractDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	dup, err := s.IsDuplicate(ctx, "SM123")
	require.NoError(t, err)
	assert.False(t, dup)

	first, err := s.RecordInbound(ctx, "SM123", "ivy")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.RecordInbound(ctx, "SM123", "ivy")
	require.NoError(t, err)
	assert.False(t, second)

	dup, err = s.IsDuplicate(ctx, "SM123")
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, s.MarkProcessed(ctx, "SM123"))
	require.NoError(t, s.MarkProcessed(ctx, "SM-unknown"))
}
