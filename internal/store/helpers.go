package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional timestamp into a driver value in UTC.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func encodeMetadata(m models.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode transition metadata: %w", err)
	}
	return string(data), nil
}

const engagementColumns = `user_id, state, last_activity_at, goodbye_sent_at, goodbye_expires_at, remind_at, version, created_at, updated_at`

func scanEngagementState(row rowScanner) (models.EngagementState, error) {
	var e models.EngagementState
	var state string
	var goodbyeSentAt, goodbyeExpiresAt, remindAt sql.NullTime
	err := row.Scan(&e.UserID, &state, &e.LastActivityAt, &goodbyeSentAt, &goodbyeExpiresAt, &remindAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.State = models.State(state)
	e.LastActivityAt = e.LastActivityAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.GoodbyeSentAt = timeFromNull(goodbyeSentAt)
	e.GoodbyeExpiresAt = timeFromNull(goodbyeExpiresAt)
	e.RemindAt = timeFromNull(remindAt)
	return e, nil
}

const transitionColumns = `id, user_id, from_state, to_state, trigger_name, metadata_json, occurred_at`

func scanTransition(row rowScanner) (models.TransitionRecord, error) {
	var r models.TransitionRecord
	var from, to, trigger string
	var metadataJSON []byte
	if err := row.Scan(&r.ID, &r.UserID, &from, &to, &trigger, &metadataJSON, &r.Timestamp); err != nil {
		return r, fmt.Errorf("scan transition failed: %w", err)
	}
	r.FromState = models.State(from)
	r.ToState = models.State(to)
	r.Trigger = models.Trigger(trigger)
	r.Timestamp = r.Timestamp.UTC()
	meta, err := models.DecodeMetadata(r.Trigger, metadataJSON)
	if err != nil {
		return r, err
	}
	r.Metadata = meta
	return r, nil
}

func collectTransitions(rows *sql.Rows) ([]models.TransitionRecord, error) {
	defer rows.Close()
	out := []models.TransitionRecord{}
	for rows.Next() {
		r, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition iteration failed: %w", err)
	}
	return out, nil
}

func collectUserIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user id iteration failed: %w", err)
	}
	return ids, nil
}

const outboxColumns = `id, user_id, kind, destination, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &m.Kind, &m.Destination, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = timeFromNull(nextAttemptAt)
	m.LockedAt = timeFromNull(lockedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func collectOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}
