package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/EngagePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetEngagementState(ctx context.Context, userID string) (*models.EngagementState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagement_states WHERE user_id = $1`, userID)
	e, err := scanEngagementState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get engagement state for %s: %w", userID, err)
	}
	return &e, nil
}

func (s *PostgresStore) InitializeEngagementState(ctx context.Context, userID string, now time.Time) (*models.EngagementState, error) {
	e := newEngagementState(userID, now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO engagement_states (`+engagementColumns+`) VALUES ($1, $2, $3, NULL, NULL, NULL, 1, $4, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		e.UserID, string(e.State), e.LastActivityAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.InitializeEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("initialize engagement state for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("initialize %s: %w", userID, ErrConcurrencyConflict)
	}
	slog.Debug("PostgresStore.InitializeEngagementState", "userID", userID)
	return &e, nil
}

func (s *PostgresStore) CompareAndSwapEngagementState(ctx context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid engagement state: %w", err)
	}
	var metadataJSON string
	if rec != nil {
		var err error
		if metadataJSON, err = encodeMetadata(rec.Metadata); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compare-and-swap: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE engagement_states
		 SET state = $1, last_activity_at = $2, goodbye_sent_at = $3, goodbye_expires_at = $4, remind_at = $5,
		     version = version + 1, updated_at = $6
		 WHERE user_id = $7 AND version = $8`,
		string(next.State), next.LastActivityAt.UTC(), nullableTime(next.GoodbyeSentAt),
		nullableTime(next.GoodbyeExpiresAt), nullableTime(next.RemindAt), next.UpdatedAt.UTC(),
		next.UserID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore.CompareAndSwapEngagementState update failed", "error", err, "userID", next.UserID)
		return fmt.Errorf("update engagement state for %s: %w", next.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare-and-swap rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("compare-and-swap %s at version %d: %w", next.UserID, expectedVersion, ErrConcurrencyConflict)
	}

	if rec != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO engagement_transitions (`+transitionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.UserID, string(rec.FromState), string(rec.ToState), string(rec.Trigger), metadataJSON, rec.Timestamp.UTC(),
		); err != nil {
			slog.Error("PostgresStore.CompareAndSwapEngagementState append failed", "error", err, "userID", next.UserID)
			return fmt.Errorf("append transition for %s: %w", next.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compare-and-swap for %s: %w", next.UserID, err)
	}
	return nil
}

func (s *PostgresStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = $1 AND last_activity_at <= $2 ORDER BY user_id`,
		string(models.StateActive), cutoff.UTC())
}

func (s *PostgresStore) ListExpiredGoodbyes(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = $1 AND goodbye_expires_at <= $2 ORDER BY user_id`,
		string(models.StateGoodbyeSent), now.UTC())
}

func (s *PostgresStore) ListDueReminders(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = $1 AND remind_at <= $2 ORDER BY user_id`,
		string(models.StateRemindLater), now.UTC())
}

func (s *PostgresStore) listUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.listUserIDs query failed", "error", err)
		return nil, fmt.Errorf("list users: %w", err)
	}
	return collectUserIDs(rows)
}

func (s *PostgresStore) AppendTransition(ctx context.Context, rec models.TransitionRecord) error {
	metadataJSON, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engagement_transitions (`+transitionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, string(rec.FromState), string(rec.ToState), string(rec.Trigger), metadataJSON, rec.Timestamp.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.AppendTransition failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("append transition for %s: %w", rec.UserID, err)
	}
	return nil
}

func (s *PostgresStore) GetUserTransitionHistory(ctx context.Context, userID string, limit int) ([]models.TransitionRecord, error) {
	query := `SELECT ` + transitionColumns + ` FROM engagement_transitions WHERE user_id = $1 ORDER BY occurred_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.GetUserTransitionHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("transition history for %s: %w", userID, err)
	}
	return collectTransitions(rows)
}

func (s *PostgresStore) ListTransitions(ctx context.Context, start, end time.Time) ([]models.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM engagement_transitions WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY occurred_at ASC, seq ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.ListTransitions failed", "error", err)
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return collectTransitions(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
