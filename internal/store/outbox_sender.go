package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithSenderClock replaces the time source used for claims and backoff.
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *OutboxSender) { s.now = now }
}

// WithClaimLimit caps how many messages one poll claims.
func WithClaimLimit(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce claims one batch of due messages and attempts each. It returns the
// number of messages delivered.
func (s *OutboxSender) PollOnce(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(Backoff(msg.Attempts))); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "userID", msg.UserID)
	}
	return sent
}

// Backoff returns the retry delay after attempts prior failures: 10s, 20s, 40s, ...
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	return time.Duration(10*(1<<attempts)) * time.Second
}
