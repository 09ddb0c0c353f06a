package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// GetTransitionStats summarizes transitions with start <= timestamp < end.
func GetTransitionStats(ctx context.Context, log store.TransitionLog, start, end time.Time) (models.TransitionStats, error) {
	if !end.After(start) {
		return models.TransitionStats{}, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidInput,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	records, err := log.ListTransitions(ctx, start, end)
	if err != nil {
		return models.TransitionStats{}, fmt.Errorf("%w: list transitions: %w", ErrPersistence, err)
	}
	return ComputeStats(records), nil
}

// ComputeStats aggregates records. TransitionsByType is keyed "from->to".
// AverageDaysInactive averages every record whose metadata carries days_inactive.
func ComputeStats(records []models.TransitionRecord) models.TransitionStats {
	stats := models.TransitionStats{
		TotalTransitions:         len(records),
		TransitionsByType:        map[string]int{},
		ResponseTypeDistribution: map[string]int{},
	}
	var daysSum, daysCount int
	for _, r := range records {
		stats.TransitionsByType[fmt.Sprintf("%s->%s", r.FromState, r.ToState)]++
		switch m := r.Metadata.(type) {
		case models.InactivityMetadata:
			daysSum += m.DaysInactive
			daysCount++
		case models.ReturnMetadata:
			if m.DaysInactive != nil {
				daysSum += *m.DaysInactive
				daysCount++
			}
		case models.GoodbyeResponseMetadata:
			stats.ResponseTypeDistribution[string(m.ResponseType)]++
		case models.GoodbyeTimeoutMetadata:
			stats.ResponseTypeDistribution[string(m.ResponseType)]++
		}
	}
	if daysCount > 0 {
		stats.AverageDaysInactive = float64(daysSum) / float64(daysCount)
	}
	return stats
}
