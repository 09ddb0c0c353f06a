// Package dispatch executes the side effects of committed engagement
// transitions: idempotent outbound message queuing and fire-and-forget
// analytics events.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// Analytics event names.
const (
	EventUserInitialized     = "user_initialized"
	EventUserReactivated     = "user_reactivated"
	EventReminderScheduled   = "reminder_scheduled"
	EventGoodbyeTimerStarted = "goodbye_timer_started"
	EventGoodbyeTimeout      = "goodbye_timeout"
)

// QueueResult reports what QueueMessage did with a task.
type QueueResult string

const (
	QueueAccepted  QueueResult = "accepted"
	QueueDuplicate QueueResult = "duplicate"
)

// Enqueue retry defaults. The delay doubles after each failed attempt.
const (
	DefaultQueueAttempts = 4
	DefaultQueueBackoff  = 250 * time.Millisecond
)

// Outbox is the durable queue messages are handed to. store.OutboxRepo satisfies it.
type Outbox interface {
	EnqueueOutboxMessage(ctx context.Context, task models.OutboundMessageTask) (id string, created bool, err error)
}

// AnalyticsSink receives analytics events.
type AnalyticsSink interface {
	Record(ctx context.Context, event, userID string, props map[string]any) error
}

// GoodbyePayload is the JSON payload stored with a queued goodbye.
type GoodbyePayload struct {
	MessageType  models.MessageType `json:"message_type"`
	TransitionID string             `json:"transition_id,omitempty"`
}

// Dispatcher turns side-effect descriptors into outbox tasks and analytics events.
type Dispatcher struct {
	outbox        Outbox
	sink          AnalyticsSink
	destination   func(userID string) string
	queueAttempts int
	queueBackoff  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDestinationResolver maps a user id to the channel address messages go to.
// By default the user id is the address.
func WithDestinationResolver(f func(userID string) string) Option {
	return func(d *Dispatcher) { d.destination = f }
}

// WithQueueRetry sets how many times QueueMessage tries the outbox and the
// delay before the first retry. Attempts below one are treated as one.
func WithQueueRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.queueAttempts = max(attempts, 1)
		d.queueBackoff = backoff
	}
}

// NewDispatcher creates a Dispatcher. A nil sink logs events through slog.
func NewDispatcher(outbox Outbox, sink AnalyticsSink, opts ...Option) *Dispatcher {
	if sink == nil {
		sink = NewSlogSink(nil)
	}
	d := &Dispatcher{
		outbox:        outbox,
		sink:          sink,
		destination:   func(userID string) string { return userID },
		queueAttempts: DefaultQueueAttempts,
		queueBackoff:  DefaultQueueBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// QueueMessage enqueues task once per idempotency key. A repeated key is
// reported as QueueDuplicate, not as an error. Outbox errors are retried with
// exponential backoff; the last error is returned once attempts run out or ctx
// is done.
func (d *Dispatcher) QueueMessage(ctx context.Context, task models.OutboundMessageTask) (QueueResult, error) {
	if task.IdempotencyKey == "" {
		return "", fmt.Errorf("queue %s message for %s: idempotency key is required", task.MessageType, task.UserID)
	}
	var (
		id      string
		created bool
		err     error
	)
	delay := d.queueBackoff
	for attempt := 1; ; attempt++ {
		id, created, err = d.outbox.EnqueueOutboxMessage(ctx, task)
		if err == nil {
			break
		}
		if attempt >= d.queueAttempts {
			return "", fmt.Errorf("queue %s message for %s after %d attempts: %w", task.MessageType, task.UserID, attempt, err)
		}
		slog.Warn("Dispatcher.QueueMessage: enqueue failed, retrying",
			"userID", task.UserID, "key", task.IdempotencyKey, "attempt", attempt, "retryIn", delay, "error", err)
		if werr := wait(ctx, delay); werr != nil {
			return "", fmt.Errorf("queue %s message for %s: %w (last error: %v)", task.MessageType, task.UserID, werr, err)
		}
		delay *= 2
	}
	if !created {
		slog.Debug("Dispatcher.QueueMessage: duplicate absorbed", "userID", task.UserID, "key", task.IdempotencyKey, "outboxID", id)
		return QueueDuplicate, nil
	}
	slog.Info("Dispatcher.QueueMessage: queued", "userID", task.UserID, "type", task.MessageType, "outboxID", id)
	return QueueAccepted, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RecordAnalytics emits an event. Errors and panics from the sink are logged
// and dropped.
func (d *Dispatcher) RecordAnalytics(ctx context.Context, event, userID string, props map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.RecordAnalytics: sink panicked", "event", event, "userID", userID, "panic", r)
		}
	}()
	if err := d.sink.Record(ctx, event, userID, props); err != nil {
		slog.Warn("Dispatcher.RecordAnalytics: sink failed", "event", event, "userID", userID, "error", err)
	}
}

// Dispatch runs every side effect listed in result. Each effect is isolated
// from the others.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, result models.TransitionResult, rec *models.TransitionRecord, extra map[string]any) {
	props := eventProps(result, rec, extra)
	for _, se := range result.SideEffects {
		d.runEffect(ctx, userID, se, rec, props)
	}
}

func (d *Dispatcher) runEffect(ctx context.Context, userID string, se models.SideEffect, rec *models.TransitionRecord, props map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.Dispatch: effect panicked", "effect", se, "userID", userID, "panic", r)
		}
	}()

	switch se {
	case models.SideEffectQueuedGoodbyeMessage:
		task, err := d.goodbyeTask(userID, rec)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: build goodbye task failed", "userID", userID, "error", err)
			return
		}
		if _, err := d.QueueMessage(ctx, task); err != nil {
			slog.Error("Dispatcher.Dispatch: queue goodbye failed", "userID", userID, "error", err)
		}
	case models.SideEffectInitializedNewUser:
		d.RecordAnalytics(ctx, EventUserInitialized, userID, props)
	case models.SideEffectReactivatedUser:
		d.RecordAnalytics(ctx, EventUserReactivated, userID, props)
	case models.SideEffectReminderScheduled:
		d.RecordAnalytics(ctx, EventReminderScheduled, userID, props)
	case models.SideEffectGoodbyeTimerStarted:
		d.RecordAnalytics(ctx, EventGoodbyeTimerStarted, userID, props)
	case models.SideEffectTrackedGoodbyeTimeout:
		d.RecordAnalytics(ctx, EventGoodbyeTimeout, userID, props)
	case models.SideEffectNoMessageSentByDesign:
		slog.Debug("Dispatcher.Dispatch: goodbye timed out, no message sent", "userID", userID)
	default:
		slog.Warn("Dispatcher.Dispatch: unknown side effect", "effect", se, "userID", userID)
	}
}

// goodbyeTask keys the goodbye on the UTC day of the transition that asked for it.
func (d *Dispatcher) goodbyeTask(userID string, rec *models.TransitionRecord) (models.OutboundMessageTask, error) {
	if rec == nil {
		return models.OutboundMessageTask{}, fmt.Errorf("goodbye for %s has no transition record", userID)
	}
	payload, err := json.Marshal(GoodbyePayload{MessageType: models.MessageTypeGoodbye, TransitionID: rec.ID})
	if err != nil {
		return models.OutboundMessageTask{}, err
	}
	return models.OutboundMessageTask{
		UserID:         userID,
		MessageType:    models.MessageTypeGoodbye,
		IdempotencyKey: models.IdempotencyKey(userID, models.MessageTypeGoodbye, rec.Timestamp),
		Destination:    d.destination(userID),
		Payload:        string(payload),
	}, nil
}

// eventProps merges caller extras with the transition's typed fields. Typed
// fields win on key collisions.
func eventProps(result models.TransitionResult, rec *models.TransitionRecord, extra map[string]any) map[string]any {
	props := make(map[string]any, len(extra)+6)
	for k, v := range extra {
		props[k] = v
	}
	props["from_state"] = string(result.PreviousState)
	props["to_state"] = string(result.NewState)
	if rec != nil {
		props["transition_id"] = rec.ID
		props["trigger"] = string(rec.Trigger)
		if rec.Metadata != nil {
			for k, v := range rec.Metadata.Fields() {
				props[k] = v
			}
		}
	}
	return props
}
