// Package engagement implements the engagement state machine: the transition
// table, the engine that applies triggers to stored records, the read-only
// queries that feed the scheduler, and transition statistics.
package engagement

import (
	"fmt"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

const day = 24 * time.Hour

// Policy holds the durations the transition table depends on.
type Policy struct {
	// GoodbyeTimeout is how long a goodbye waits for a reply before the user goes dormant.
	GoodbyeTimeout time.Duration
	// RemindAfter is how far in the future a "busy" reply schedules the reminder.
	RemindAfter time.Duration
	// UnpromptedReturnAfter is the gap after which a dormant user's message counts
	// as an unprompted return.
	UnpromptedReturnAfter time.Duration
	// InactivityDays is the inactivity threshold the scheduler queries with.
	InactivityDays int
}

// DefaultPolicy returns the standard durations: 48h goodbye window, 14 day
// reminder, 3 day unprompted return, 14 day inactivity.
func DefaultPolicy() Policy {
	return Policy{
		GoodbyeTimeout:        48 * time.Hour,
		RemindAfter:           14 * day,
		UnpromptedReturnAfter: 3 * day,
		InactivityDays:        14,
	}
}

// Validate rejects non-positive durations.
func (p Policy) Validate() error {
	if p.GoodbyeTimeout <= 0 || p.RemindAfter <= 0 || p.UnpromptedReturnAfter <= 0 {
		return fmt.Errorf("%w: policy durations must be positive", ErrInvalidInput)
	}
	if p.InactivityDays <= 0 {
		return fmt.Errorf("%w: inactivity days must be positive", ErrInvalidInput)
	}
	return nil
}

// Plan is the pure outcome of applying a trigger to a record. It carries no
// I/O: the engine persists Next and dispatches SideEffects.
type Plan struct {
	From        models.State
	To          models.State
	Trigger     models.Trigger
	Next        models.EngagementState
	Metadata    models.Metadata
	SideEffects []models.SideEffect
	// NoOp is set when the trigger is accepted but the state does not change.
	// Only LastActivityAt moves and no transition record is written.
	NoOp bool
}

// Plan computes the transition for (cur.State, trigger) at now. Pairs outside
// the table return ErrInvalidTransition.
func (p Policy) Plan(cur models.EngagementState, trigger models.Trigger, now time.Time) (Plan, error) {
	now = now.UTC()
	next := cur.Clone()
	next.UpdatedAt = now
	plan := Plan{From: cur.State, To: cur.State, Trigger: trigger, SideEffects: []models.SideEffect{}}

	invalid := func() (Plan, error) {
		return Plan{}, fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, cur.State, trigger)
	}

	switch cur.State {
	case models.StateActive:
		switch trigger {
		case models.TriggerUserMessage:
			next.LastActivityAt = now
			plan.NoOp = true
		case models.TriggerInactivity14d:
			expires := now.Add(p.GoodbyeTimeout)
			sent := now
			next.State = models.StateGoodbyeSent
			next.GoodbyeSentAt = &sent
			next.GoodbyeExpiresAt = &expires
			plan.Metadata = models.InactivityMetadata{
				DaysInactive:  wholeDays(cur.LastActivityAt, now),
				TriggerSource: models.TriggerSourceScheduler,
			}
			plan.SideEffects = append(plan.SideEffects,
				models.SideEffectQueuedGoodbyeMessage, models.SideEffectGoodbyeTimerStarted)
		default:
			return invalid()
		}

	case models.StateGoodbyeSent:
		sentAt := cur.GoodbyeSentAt
		clearGoodbye(&next)
		switch trigger {
		case models.TriggerUserMessage:
			next.State = models.StateActive
			next.RemindAt = nil
			next.LastActivityAt = now
			plan.Metadata = models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}
			plan.SideEffects = append(plan.SideEffects, models.SideEffectReactivatedUser)
		case models.TriggerGoodbyeResponse1:
			next.State = models.StateHelpFlow
			plan.Metadata = models.GoodbyeResponseMetadata{
				ResponseType:  models.ResponseTypeConfused,
				TriggerSource: models.TriggerSourceUserMessage,
			}
		case models.TriggerGoodbyeResponse2:
			remind := now.Add(p.RemindAfter)
			next.State = models.StateRemindLater
			next.RemindAt = &remind
			plan.Metadata = models.GoodbyeResponseMetadata{ResponseType: models.ResponseTypeBusy}
			plan.SideEffects = append(plan.SideEffects, models.SideEffectReminderScheduled)
		case models.TriggerGoodbyeResponse3:
			next.State = models.StateDormant
			plan.Metadata = models.GoodbyeResponseMetadata{ResponseType: models.ResponseTypeAllGood}
		case models.TriggerGoodbyeTimeout:
			next.State = models.StateDormant
			meta := models.GoodbyeTimeoutMetadata{ResponseType: models.ResponseTypeTimeout}
			if sentAt != nil {
				meta.HoursWaited = wholeHours(*sentAt, now)
				meta.DaysSinceGoodbye = wholeDays(*sentAt, now)
			}
			plan.Metadata = meta
			plan.SideEffects = append(plan.SideEffects,
				models.SideEffectNoMessageSentByDesign, models.SideEffectTrackedGoodbyeTimeout)
		default:
			return invalid()
		}

	case models.StateHelpFlow:
		switch trigger {
		case models.TriggerUserMessage:
			next.State = models.StateActive
			next.LastActivityAt = now
			plan.Metadata = models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}
			plan.SideEffects = append(plan.SideEffects, models.SideEffectReactivatedUser)
		default:
			return invalid()
		}

	case models.StateRemindLater:
		next.RemindAt = nil
		switch trigger {
		case models.TriggerUserMessage:
			next.State = models.StateActive
			next.LastActivityAt = now
			plan.Metadata = models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}
			plan.SideEffects = append(plan.SideEffects, models.SideEffectReactivatedUser)
		case models.TriggerReminderDue:
			next.State = models.StateDormant
			plan.Metadata = models.ReminderDueMetadata{TriggerSource: models.TriggerSourceScheduler}
		default:
			return invalid()
		}

	case models.StateDormant:
		switch trigger {
		case models.TriggerUserMessage:
			meta := models.ReturnMetadata{TriggerSource: models.TriggerSourceUserMessage}
			if now.Sub(cur.LastActivityAt) >= p.UnpromptedReturnAfter {
				days := wholeDays(cur.LastActivityAt, now)
				meta.UnpromptedReturn = true
				meta.DaysInactive = &days
			}
			next.State = models.StateActive
			next.LastActivityAt = now
			plan.Metadata = meta
			plan.SideEffects = append(plan.SideEffects, models.SideEffectReactivatedUser)
		default:
			return invalid()
		}

	default:
		return invalid()
	}

	plan.To = next.State
	plan.Next = next
	return plan, nil
}

func clearGoodbye(s *models.EngagementState) {
	s.GoodbyeSentAt = nil
	s.GoodbyeExpiresAt = nil
}

// wholeDays is the number of complete days from 'from' to 'to', never negative.
func wholeDays(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / day)
}

func wholeHours(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / time.Hour)
}
