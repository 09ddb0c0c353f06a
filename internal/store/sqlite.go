package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/EngagePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists engagement data in a single SQLite file. Times are bound
// in UTC so the driver's text encoding orders chronologically.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection serializes writers; transactions never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetEngagementState(ctx context.Context, userID string) (*models.EngagementState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagement_states WHERE user_id = ?`, userID)
	e, err := scanEngagementState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get engagement state for %s: %w", userID, err)
	}
	return &e, nil
}

func (s *SQLiteStore) InitializeEngagementState(ctx context.Context, userID string, now time.Time) (*models.EngagementState, error) {
	e := newEngagementState(userID, now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO engagement_states (`+engagementColumns+`) VALUES (?, ?, ?, NULL, NULL, NULL, 1, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		e.UserID, string(e.State), e.LastActivityAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.InitializeEngagementState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("initialize engagement state for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("initialize %s: %w", userID, ErrConcurrencyConflict)
	}
	slog.Debug("SQLiteStore.InitializeEngagementState", "userID", userID)
	return &e, nil
}

func (s *SQLiteStore) CompareAndSwapEngagementState(ctx context.Context, expectedVersion int64, next models.EngagementState, rec *models.TransitionRecord) error {
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
		 SET state = ?, last_activity_at = ?, goodbye_sent_at = ?, goodbye_expires_at = ?, remind_at = ?,
		     version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		string(next.State), next.LastActivityAt.UTC(), nullableTime(next.GoodbyeSentAt),
		nullableTime(next.GoodbyeExpiresAt), nullableTime(next.RemindAt), next.UpdatedAt.UTC(),
		next.UserID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore.CompareAndSwapEngagementState update failed", "error", err, "userID", next.UserID)
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
			`INSERT INTO engagement_transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.UserID, string(rec.FromState), string(rec.ToState), string(rec.Trigger), metadataJSON, rec.Timestamp.UTC(),
		); err != nil {
			slog.Error("SQLiteStore.CompareAndSwapEngagementState append failed", "error", err, "userID", next.UserID)
			return fmt.Errorf("append transition for %s: %w", next.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compare-and-swap for %s: %w", next.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = ? AND last_activity_at <= ? ORDER BY user_id`,
		string(models.StateActive), cutoff.UTC())
}

func (s *SQLiteStore) ListExpiredGoodbyes(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = ? AND goodbye_expires_at IS NOT NULL AND goodbye_expires_at <= ? ORDER BY user_id`,
		string(models.StateGoodbyeSent), now.UTC())
}

func (s *SQLiteStore) ListDueReminders(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx, `SELECT user_id FROM engagement_states WHERE state = ? AND remind_at IS NOT NULL AND remind_at <= ? ORDER BY user_id`,
		string(models.StateRemindLater), now.UTC())
}

func (s *SQLiteStore) listUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.listUserIDs query failed", "error", err)
		return nil, fmt.Errorf("list users: %w", err)
	}
	return collectUserIDs(rows)
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, rec models.TransitionRecord) error {
	metadataJSON, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engagement_transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.FromState), string(rec.ToState), string(rec.Trigger), metadataJSON, rec.Timestamp.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendTransition failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("append transition for %s: %w", rec.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserTransitionHistory(ctx context.Context, userID string, limit int) ([]models.TransitionRecord, error) {
	query := `SELECT ` + transitionColumns + ` FROM engagement_transitions WHERE user_id = ? ORDER BY occurred_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.GetUserTransitionHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("transition history for %s: %w", userID, err)
	}
	return collectTransitions(rows)
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, start, end time.Time) ([]models.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM engagement_transitions WHERE occurred_at >= ? AND occurred_at < ? ORDER BY occurred_at ASC, seq ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.ListTransitions failed", "error", err)
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return collectTransitions(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
