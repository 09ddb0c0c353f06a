package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/clock"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// Queries selects users due for a time-driven transition. All methods are pure
// reads evaluated against the injected clock.
type Queries struct {
	repo  store.EngagementRepo
	clock clock.Clock
}

// NewQueries creates Queries over repo.
func NewQueries(repo store.EngagementRepo, clk clock.Clock) *Queries {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queries{repo: repo, clock: clk}
}

// GetInactiveUsers returns active users whose last activity is at least days old.
func (q *Queries) GetInactiveUsers(ctx context.Context, days int) ([]string, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", ErrInvalidInput)
	}
	cutoff := q.clock.Now().UTC().Add(-time.Duration(days) * day)
	ids, err := q.repo.ListInactiveUsers(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: list inactive users: %w", ErrPersistence, err)
	}
	return ids, nil
}

// GetExpiredGoodbyes returns goodbye_sent users whose reply window has closed.
func (q *Queries) GetExpiredGoodbyes(ctx context.Context) ([]string, error) {
	ids, err := q.repo.ListExpiredGoodbyes(ctx, q.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list expired goodbyes: %w", ErrPersistence, err)
	}
	return ids, nil
}

// GetDueReminders returns remind_later users whose reminder date has arrived.
func (q *Queries) GetDueReminders(ctx context.Context) ([]string, error) {
	ids, err := q.repo.ListDueReminders(ctx, q.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list due reminders: %w", ErrPersistence, err)
	}
	return ids, nil
}
