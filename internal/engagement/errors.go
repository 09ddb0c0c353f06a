package engagement

import (
	"errors"

	"github.com/BTreeMap/EngagePipe/internal/store"
)

var (
	// ErrInvalidTransition means the (state, trigger) pair is not in the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRecordNotFound means a trigger other than user_message arrived for an unseen user.
	ErrRecordNotFound = errors.New("engagement record not found")
	// ErrConcurrencyConflict means the record changed between read and write.
	// Callers may retry with a fresh read.
	ErrConcurrencyConflict = store.ErrConcurrencyConflict
	// ErrPersistence wraps store failures other than conflicts.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidInput rejects malformed user ids, triggers and query arguments.
	ErrInvalidInput = errors.New("invalid input")
)
