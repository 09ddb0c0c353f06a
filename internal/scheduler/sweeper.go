package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/models"
)

// DefaultWorkers bounds concurrent transitions within one pass.
const DefaultWorkers = 8

// Transitioner applies one trigger to one user. *engagement.Engine satisfies it.
type Transitioner interface {
	TransitionState(ctx context.Context, userID string, trigger models.Trigger, extra map[string]any) (models.TransitionResult, error)
}

// DueQueries lists users due for each time-driven trigger. *engagement.Queries satisfies it.
type DueQueries interface {
	GetInactiveUsers(ctx context.Context, days int) ([]string, error)
	GetExpiredGoodbyes(ctx context.Context) ([]string, error)
	GetDueReminders(ctx context.Context) ([]string, error)
}

// Sweeper runs the three time-driven passes.
type Sweeper struct {
	engine         Transitioner
	queries        DueQueries
	workers        int
	inactivityDays int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithWorkers sets the worker pool size. Values below one are ignored.
func WithWorkers(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithInactivityDays sets the inactivity threshold used by the inactivity pass.
func WithInactivityDays(days int) SweeperOption {
	return func(s *Sweeper) { s.inactivityDays = days }
}

// NewSweeper creates a Sweeper.
func NewSweeper(engine Transitioner, queries DueQueries, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:         engine,
		queries:        queries,
		workers:        DefaultWorkers,
		inactivityDays: engagement.DefaultPolicy().InactivityDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep expires goodbyes, fires due reminders and then sends goodbyes to
// inactive users. A query failure aborts the sweep and returns the passes
// completed so far. Per-user failures are counted, never returned.
func (s *Sweeper) Sweep(ctx context.Context) (models.SweepReport, error) {
	var report models.SweepReport
	var err error

	if report.Goodbyes, err = s.pass(ctx, models.TriggerGoodbyeTimeout, s.queries.GetExpiredGoodbyes); err != nil {
		return report, err
	}
	if report.Reminders, err = s.pass(ctx, models.TriggerReminderDue, s.queries.GetDueReminders); err != nil {
		return report, err
	}
	inactive := func(ctx context.Context) ([]string, error) {
		return s.queries.GetInactiveUsers(ctx, s.inactivityDays)
	}
	if report.Inactivity, err = s.pass(ctx, models.TriggerInactivity14d, inactive); err != nil {
		return report, err
	}

	slog.Info("Sweeper.Sweep: completed",
		"goodbyes", report.Goodbyes, "reminders", report.Reminders, "inactivity", report.Inactivity)
	return report, nil
}

func (s *Sweeper) pass(ctx context.Context, trigger models.Trigger, due func(context.Context) ([]string, error)) (models.PassReport, error) {
	var report models.PassReport
	ids, err := due(ctx)
	if err != nil {
		slog.Error("Sweeper.pass: query failed", "trigger", trigger, "error", err)
		return report, fmt.Errorf("list users due for %s: %w", trigger, err)
	}
	report.Due = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, userID := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := s.engine.TransitionState(gctx, userID, trigger, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Applied++
			case errors.Is(err, engagement.ErrConcurrencyConflict):
				report.Conflicts++
				slog.Debug("Sweeper.pass: user changed concurrently", "userID", userID, "trigger", trigger)
			case errors.Is(err, engagement.ErrInvalidTransition), errors.Is(err, engagement.ErrRecordNotFound):
				report.Rejected++
				slog.Debug("Sweeper.pass: user no longer due", "userID", userID, "trigger", trigger, "error", err)
			default:
				report.Failed++
				slog.Error("Sweeper.pass: transition failed", "userID", userID, "trigger", trigger, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// Job returns a cron task that runs one sweep per tick.
func (s *Sweeper) Job(ctx context.Context) func() {
	return func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("Sweeper.Job: sweep failed", "error", err)
		}
	}
}
