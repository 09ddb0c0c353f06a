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

// Compile-time check that SQLiteStore implements OutboxRepo.
var _ OutboxRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (string, bool, error) {
	id := util.GenerateOutboxID()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, user_id, kind, destination, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		id, task.UserID, string(task.MessageType), task.Destination, task.Payload, nilIfEmpty(task.IdempotencyKey), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existingID string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = ?`, task.IdempotencyKey).Scan(&existingID); err != nil {
			return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		slog.Debug("SQLiteStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", task.IdempotencyKey, "existingID", existingID)
		return existingID, false, nil
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage", "id", id, "userID", task.UserID, "kind", task.MessageType)
	return id, true, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		     next_attempt_at = CASE WHEN attempts + 1 >= ? THEN NULL ELSE ? END,
		     last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		MaxOutboxAttempts, MaxOutboxAttempts, nextAttemptAt.UTC(), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	m, err := scanOutboxMessage(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message failed: %w", err)
	}
	return &m, nil
}
