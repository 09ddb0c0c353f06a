package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/EngagePipe/internal/clock"
	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// EffectDispatcher executes the side effects of a committed transition. It must
// absorb its own failures; the engine never looks at the outcome.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, userID string, result models.TransitionResult, rec *models.TransitionRecord, extra map[string]any)
}

// Engine applies triggers to engagement records.
type Engine struct {
	repo       store.EngagementRepo
	clock      clock.Clock
	policy     Policy
	dispatcher EffectDispatcher
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDispatcher sets where side effects go after commit.
func WithDispatcher(d EffectDispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithIDGenerator overrides transition id generation.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// NewEngine creates an Engine over repo.
func NewEngine(repo store.EngagementRepo, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		clock:  clock.Real{},
		policy: DefaultPolicy(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock { return e.clock }

// TransitionState applies trigger to userID's record.
//
// An unseen user is created in active on user_message and rejected with
// ErrRecordNotFound on any other trigger. Pairs outside the table return
// ErrInvalidTransition without touching the store. The state write and the
// transition record are committed together with a compare-and-swap on the
// version read at the start; a lost race returns ErrConcurrencyConflict.
// Side effects are dispatched only after the commit and never change the result.
//
// extra is passed to the dispatcher for analytics and logs; it never alters the
// typed metadata stored with the transition.
func (e *Engine) TransitionState(ctx context.Context, userID string, trigger models.Trigger, extra map[string]any) (models.TransitionResult, error) {
	if err := validateUserID(userID); err != nil {
		return failed("", err), err
	}
	if !trigger.Valid() {
		err := fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, trigger)
		return failed("", err), err
	}

	now := e.clock.Now().UTC()
	cur, err := e.repo.GetEngagementState(ctx, userID)
	if err != nil {
		err = fmt.Errorf("%w: load engagement state for %s: %w", ErrPersistence, userID, err)
		slog.Error("Engine.TransitionState: load failed", "userID", userID, "trigger", trigger, "error", err)
		return failed("", err), err
	}

	if cur == nil {
		if trigger != models.TriggerUserMessage {
			err := fmt.Errorf("%w: %s (trigger %s)", ErrRecordNotFound, userID, trigger)
			slog.Warn("Engine.TransitionState: trigger for unknown user", "userID", userID, "trigger", trigger)
			return failed("", err), err
		}
		return e.initialize(ctx, userID, now, extra)
	}

	plan, err := e.policy.Plan(*cur, trigger, now)
	if err != nil {
		slog.Info("Engine.TransitionState: rejected", "userID", userID, "state", cur.State, "trigger", trigger)
		return failed(cur.State, err), err
	}

	var rec *models.TransitionRecord
	if !plan.NoOp {
		rec = &models.TransitionRecord{
			ID:        e.newID(),
			UserID:    userID,
			FromState: plan.From,
			ToState:   plan.To,
			Trigger:   trigger,
			Metadata:  plan.Metadata,
			Timestamp: now,
		}
	}

	if err := e.repo.CompareAndSwapEngagementState(ctx, cur.Version, plan.Next, rec); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			slog.Warn("Engine.TransitionState: concurrent modification", "userID", userID, "trigger", trigger, "version", cur.Version)
		} else {
			err = fmt.Errorf("%w: write engagement state for %s: %w", ErrPersistence, userID, err)
			slog.Error("Engine.TransitionState: write failed", "userID", userID, "trigger", trigger, "error", err)
		}
		return failed(cur.State, err), err
	}

	result := models.TransitionResult{
		Success:       true,
		PreviousState: plan.From,
		NewState:      plan.To,
		SideEffects:   plan.SideEffects,
	}
	if rec != nil {
		result.TransitionID = rec.ID
		slog.Info("Engine.TransitionState: transition applied",
			"userID", userID, "from", plan.From, "to", plan.To, "trigger", trigger,
			"transitionID", rec.ID, "metadata", rec.Metadata.Fields(), "extra", extra)
	} else {
		slog.Debug("Engine.TransitionState: activity recorded", "userID", userID, "state", plan.To)
	}

	e.dispatch(ctx, userID, result, rec, extra)
	return result, nil
}

func (e *Engine) initialize(ctx context.Context, userID string, now time.Time, extra map[string]any) (models.TransitionResult, error) {
	if _, err := e.repo.InitializeEngagementState(ctx, userID, now); err != nil {
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			err = fmt.Errorf("%w: initialize engagement state for %s: %w", ErrPersistence, userID, err)
		}
		slog.Error("Engine.initialize: failed", "userID", userID, "error", err)
		return failed("", err), err
	}
	result := models.TransitionResult{
		Success:       true,
		PreviousState: models.StateActive,
		NewState:      models.StateActive,
		SideEffects:   []models.SideEffect{models.SideEffectInitializedNewUser},
	}
	slog.Info("Engine.initialize: new user", "userID", userID)
	e.dispatch(ctx, userID, result, nil, extra)
	return result, nil
}

// dispatch hands committed effects to the dispatcher and contains any panic.
func (e *Engine) dispatch(ctx context.Context, userID string, result models.TransitionResult, rec *models.TransitionRecord, extra map[string]any) {
	if e.dispatcher == nil || len(result.SideEffects) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.dispatch: dispatcher panicked", "userID", userID, "panic", r)
		}
	}()
	e.dispatcher.Dispatch(ctx, userID, result, rec, extra)
}

func failed(state models.State, err error) models.TransitionResult {
	return models.TransitionResult{
		Success:       false,
		PreviousState: state,
		NewState:      state,
		SideEffects:   []models.SideEffect{},
		Error:         err.Error(),
	}
}

func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidInput, models.ErrEmptyUserID)
	}
	if len(userID) > models.MaxUserIDLength {
		return fmt.Errorf("%w: %w", ErrInvalidInput, models.ErrUserIDTooLong)
	}
	return nil
}
