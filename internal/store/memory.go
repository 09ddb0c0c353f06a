package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/util"
)

// InMemoryStore keeps everything in process memory. A single mutex makes every
// compare-and-swap and its log append one atomic step.
type InMemoryStore struct {
	mu          sync.Mutex
	states      map[string]models.EngagementState
	transitions []models.TransitionRecord
	outbox      map[string]*OutboxMessage
	outboxOrder []string
	dedupeKeys  map[string]string
	inbound     map[string]*DedupRecord
	now         func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock replaces the time source used to stamp outbox and inbound
// dedup rows.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		states:     make(map[string]models.EngagementState),
		outbox:     make(map[string]*OutboxMessage),
		dedupeKeys: make(map[string]string),
		inbound:    make(map[string]*DedupRecord),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) GetEngagementState(_ context.Context, userID string) (*models.EngagementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	c := rec.Clone()
	return &c, nil
}

func (s *InMemoryStore) InitializeEngagementState(_ context.Context, userID string, now time.Time) (*models.EngagementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[userID]; ok {
		return nil, fmt.Errorf("initialize %s: %w", userID, ErrConcurrencyConflict)
	}
	rec := newEngagementState(userID, now)
	s.states[userID] = rec
	c := rec.Clone()
	return &c, nil
}

func (s *InMemoryStore) CompareAndSwapEngagementState(_ context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid engagement state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[next.UserID]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("compare-and-swap %s at version %d: %w", next.UserID, expectedVersion, ErrConcurrencyConflict)
	}
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = cur.CreatedAt
	s.states[next.UserID] = stored
	if rec != nil {
		s.transitions = append(s.transitions, *rec)
	}
	return nil
}

func (s *InMemoryStore) ListInactiveUsers(_ context.Context, cutoff time.Time) ([]string, error) {
	return s.listWhere(models.StateActive, func(r models.EngagementState) *time.Time { return &r.LastActivityAt }, cutoff), nil
}

func (s *InMemoryStore) ListExpiredGoodbyes(_ context.Context, now time.Time) ([]string, error) {
	return s.listWhere(models.StateGoodbyeSent, func(r models.EngagementState) *time.Time { return r.GoodbyeExpiresAt }, now), nil
}

func (s *InMemoryStore) ListDueReminders(_ context.Context, now time.Time) ([]string, error) {
	return s.listWhere(models.StateRemindLater, func(r models.EngagementState) *time.Time { return r.RemindAt }, now), nil
}

func (s *InMemoryStore) listWhere(state models.State, at func(models.EngagementState) *time.Time, bound time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, rec := range s.states {
		if rec.State != state {
			continue
		}
		if t := at(rec); t != nil && !t.After(bound) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *InMemoryStore) AppendTransition(_ context.Context, rec models.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, rec)
	return nil
}

func (s *InMemoryStore) GetUserTransitionHistory(_ context.Context, userID string, limit int) ([]models.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.TransitionRecord{}
	for i := len(s.transitions) - 1; i >= 0; i-- {
		if s.transitions[i].UserID == userID {
			out = append(out, s.transitions[i])
		}
	}
	// Equal timestamps keep reverse append order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListTransitions(_ context.Context, start, end time.Time) ([]models.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.TransitionRecord{}
	for _, r := range s.transitions {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, task models.OutboundMessageTask) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.IdempotencyKey != "" {
		if id, ok := s.dedupeKeys[task.IdempotencyKey]; ok {
			return id, false, nil
		}
	}
	now := s.now().UTC()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		UserID:      task.UserID,
		Kind:        string(task.MessageType),
		Destination: task.Destination,
		PayloadJSON: task.Payload,
		Status:      OutboxStatusQueued,
		DedupeKey:   task.IdempotencyKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	s.outboxOrder = append(s.outboxOrder, m.ID)
	if task.IdempotencyKey != "" {
		s.dedupeKeys[task.IdempotencyKey] = m.ID
	}
	return m.ID, true, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []OutboxMessage
	for _, id := range s.outboxOrder {
		if len(msgs) >= limit {
			break
		}
		m := s.outbox[id]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = s.now().UTC()
	if m.Attempts >= MaxOutboxAttempts {
		m.Status = OutboxStatusFailed
		m.NextAttemptAt = nil
		return nil
	}
	next := nextAttemptAt.UTC()
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = &next
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOutboxMessage(_ context.Context, id string) (*OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: s.now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		now := s.now().UTC()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
