// Package store provides the OutboxRepo interface and model for restart-safe outgoing sends.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// MaxOutboxAttempts is the number of failed sends after which a message is parked as failed.
const MaxOutboxAttempts = 5

// OutboxMessage represents a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Kind          string       `json:"kind"`
	Destination   string       `json:"destination"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a queued message for task. When a message with
	// the same idempotency key exists in any status, it returns that message's ID
	// and created=false.
	EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (id string, created bool, err error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at
	// nextAttemptAt, or parks the message as failed after MaxOutboxAttempts.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)

	// GetOutboxMessage returns a message by ID, or nil when it does not exist.
	GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error)
}
