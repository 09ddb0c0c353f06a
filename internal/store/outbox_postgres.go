package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (string, bool, error) {
	id := util.GenerateOutboxID()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, user_id, kind, destination, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id, task.UserID, string(task.MessageType), task.Destination, task.Payload, nilIfEmpty(task.IdempotencyKey), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existingID string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = $1`, task.IdempotencyKey).Scan(&existingID); err != nil {
			return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", task.IdempotencyKey, "existingID", existingID)
		return existingID, false, nil
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "userID", task.UserID, "kind", task.MessageType)
	return id, true, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	return collectOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 >= $1 THEN 'failed' ELSE 'queued' END,
		     next_attempt_at = CASE WHEN attempts + 1 >= $1 THEN NULL ELSE $2::timestamptz END,
		     last_error = $3, locked_at = NULL, updated_at = $4
		 WHERE id = $5`,
		MaxOutboxAttempts, nextAttemptAt.UTC(), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	m, err := scanOutboxMessage(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message failed: %w", err)
	}
	return &m, nil
}
