// Package store provides storage backends for EngagePipe.
//
// Every backend (memory, SQLite, Postgres, Redis) implements the same Store
// contract: one versioned engagement record per user updated by
// compare-and-swap, an append-only transition log, the outbound message
// outbox, and inbound message deduplication.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// ErrConcurrencyConflict is returned when a compare-and-swap observes a version
// other than the expected one, or when a record is created twice.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// EngagementRepo persists the per-user engagement record.
type EngagementRepo interface {
	// GetEngagementState returns the record for userID, or nil when none exists.
	GetEngagementState(ctx context.Context, userID string) (*models.EngagementState, error)

	// InitializeEngagementState creates an active record at version 1. It returns
	// ErrConcurrencyConflict if a record already exists.
	InitializeEngagementState(ctx context.Context, userID string, now time.Time) (*models.EngagementState, error)

	// CompareAndSwapEngagementState writes next with version expectedVersion+1 if
	// the stored version equals expectedVersion, and appends rec (when non-nil) in
	// the same atomic unit.
	CompareAndSwapEngagementState(ctx context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) error

	// ListInactiveUsers returns active users whose last activity is at or before cutoff.
	ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]string, error)

	// ListExpiredGoodbyes returns goodbye_sent users whose goodbye expired at or before now.
	ListExpiredGoodbyes(ctx context.Context, now time.Time) ([]string, error)

	// ListDueReminders returns remind_later users whose reminder is at or before now.
	ListDueReminders(ctx context.Context, now time.Time) ([]string, error)
}

// TransitionLog is the append-only history of state changes.
type TransitionLog interface {
	AppendTransition(ctx context.Context, rec models.TransitionRecord) error

	// GetUserTransitionHistory returns up to limit records for userID, newest
	// first. A non-positive limit returns all records.
	GetUserTransitionHistory(ctx context.Context, userID string, limit int) ([]models.TransitionRecord, error)

	// ListTransitions returns records with start <= timestamp < end, oldest first.
	ListTransitions(ctx context.Context, start, end time.Time) ([]models.TransitionRecord, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	EngagementRepo
	TransitionLog
	OutboxRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN       string // database connection string or redis URL
	KeyPrefix string // redis key prefix
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the redis:// URL for the Redis backend.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.DSN = url }
}

// WithKeyPrefix namespaces Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// Backend names returned by DetectDSNType.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite3"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DetectDSNType determines the backend from a connection string.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case lower == BackendMemory:
		return BackendMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return BackendPostgres
	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return BackendPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return BackendRedis
	default:
		return BackendSQLite
	}
}

// Open creates the backend matching dsn.
func Open(dsn string, opts ...Option) (Store, error) {
	switch DetectDSNType(dsn) {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendPostgres:
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	case BackendRedis:
		return NewRedisStore(append([]Option{WithRedisURL(dsn)}, opts...)...)
	default:
		return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
	}
}

// newEngagementState builds the record InitializeEngagementState persists.
func newEngagementState(userID string, now time.Time) models.EngagementState {
	now = now.UTC()
	return models.EngagementState{
		UserID:         userID,
		State:          models.StateActive,
		LastActivityAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
