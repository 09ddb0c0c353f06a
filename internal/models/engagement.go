// Package models defines the engagement lifecycle types shared across EngagePipe.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a user's engagement lifecycle stage.
type State string

const (
	// StateActive is the initial state: the user talks to the assistant.
	StateActive State = "active"
	// StateGoodbyeSent means a goodbye message went out and a reply is awaited.
	StateGoodbyeSent State = "goodbye_sent"
	// StateHelpFlow means the user replied that they are confused.
	StateHelpFlow State = "help_flow"
	// StateRemindLater means the user asked to be reminded at a later date.
	StateRemindLater State = "remind_later"
	// StateDormant means no automatic outreach until the user writes again.
	StateDormant State = "dormant"
)

// AllStates returns every engagement state in lifecycle order.
func AllStates() []State {
	return []State{StateActive, StateGoodbyeSent, StateHelpFlow, StateRemindLater, StateDormant}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateGoodbyeSent, StateHelpFlow, StateRemindLater, StateDormant:
		return true
	}
	return false
}

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown engagement state %q", s)
	}
	return st, nil
}

// Trigger is an event that may move a user between states.
type Trigger string

const (
	TriggerUserMessage      Trigger = "user_message"
	TriggerInactivity14d    Trigger = "inactivity_14d"
	TriggerGoodbyeResponse1 Trigger = "goodbye_response_1"
	TriggerGoodbyeResponse2 Trigger = "goodbye_response_2"
	TriggerGoodbyeResponse3 Trigger = "goodbye_response_3"
	TriggerGoodbyeTimeout   Trigger = "goodbye_timeout"
	TriggerReminderDue      Trigger = "reminder_due"
)

// AllTriggers returns every trigger.
func AllTriggers() []Trigger {
	return []Trigger{
		TriggerUserMessage,
		TriggerInactivity14d,
		TriggerGoodbyeResponse1,
		TriggerGoodbyeResponse2,
		TriggerGoodbyeResponse3,
		TriggerGoodbyeTimeout,
		TriggerReminderDue,
	}
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUserMessage, TriggerInactivity14d, TriggerGoodbyeResponse1, TriggerGoodbyeResponse2,
		TriggerGoodbyeResponse3, TriggerGoodbyeTimeout, TriggerReminderDue:
		return true
	}
	return false
}

// ParseTrigger converts a string to a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown engagement trigger %q", s)
	}
	return t, nil
}

// EngagementState is the single mutable engagement record kept per user.
type EngagementState struct {
	UserID           string     `json:"user_id"`
	State            State      `json:"state"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	GoodbyeSentAt    *time.Time `json:"goodbye_sent_at,omitempty"`
	GoodbyeExpiresAt *time.Time `json:"goodbye_expires_at,omitempty"`
	RemindAt         *time.Time `json:"remind_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the timestamp ownership invariant: goodbye timestamps are set
// only in goodbye_sent and the reminder timestamp only in remind_later.
func (e EngagementState) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if !e.State.Valid() {
		return fmt.Errorf("unknown engagement state %q", e.State)
	}
	inGoodbye := e.State == StateGoodbyeSent
	if (e.GoodbyeSentAt != nil) != inGoodbye || (e.GoodbyeExpiresAt != nil) != inGoodbye {
		return fmt.Errorf("goodbye timestamps must be set only in %s (state %s)", StateGoodbyeSent, e.State)
	}
	if (e.RemindAt != nil) != (e.State == StateRemindLater) {
		return fmt.Errorf("remind_at must be set only in %s (state %s)", StateRemindLater, e.State)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (e EngagementState) Clone() EngagementState {
	c := e
	c.GoodbyeSentAt = cloneTime(e.GoodbyeSentAt)
	c.GoodbyeExpiresAt = cloneTime(e.GoodbyeExpiresAt)
	c.RemindAt = cloneTime(e.RemindAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionRecord is an append-only log entry written once per actual state change.
type TransitionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Trigger   Trigger   `json:"trigger"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON decodes the metadata variant selected by the record's trigger.
func (r *TransitionRecord) UnmarshalJSON(data []byte) error {
	type plain TransitionRecord
	var raw struct {
		plain
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = TransitionRecord(raw.plain)
	meta, err := DecodeMetadata(r.Trigger, raw.Metadata)
	if err != nil {
		return err
	}
	r.Metadata = meta
	return nil
}

// SideEffect names an effect a transition asks the dispatcher to perform.
type SideEffect string

const (
	SideEffectInitializedNewUser    SideEffect = "initialized_new_user"
	SideEffectQueuedGoodbyeMessage  SideEffect = "queued_goodbye_message"
	SideEffectGoodbyeTimerStarted   SideEffect = "goodbye_timer_started"
	SideEffectReactivatedUser       SideEffect = "reactivated_user"
	SideEffectReminderScheduled     SideEffect = "reminder_scheduled"
	SideEffectNoMessageSentByDesign SideEffect = "no_message_sent_by_design"
	SideEffectTrackedGoodbyeTimeout SideEffect = "tracked_goodbye_timeout_analytics"
)

// TransitionResult is what the engine reports for one TransitionState call.
type TransitionResult struct {
	Success       bool         `json:"success"`
	PreviousState State        `json:"previous_state,omitempty"`
	NewState      State        `json:"new_state,omitempty"`
	SideEffects   []SideEffect `json:"side_effects"`
	TransitionID  string       `json:"transition_id,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// HasSideEffect reports whether the result lists se.
func (r TransitionResult) HasSideEffect(se SideEffect) bool {
	for _, s := range r.SideEffects {
		if s == se {
			return true
		}
	}
	return false
}

// MessageType identifies the kind of outbound re-engagement message.
type MessageType string

const (
	// MessageTypeGoodbye is the inactivity goodbye offering numbered replies.
	MessageTypeGoodbye MessageType = "goodbye"
)

// OutboundMessageTask is a message handed to the messaging channel through the outbox.
type OutboundMessageTask struct {
	UserID         string      `json:"user_id"`
	MessageType    MessageType `json:"message_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Destination    string      `json:"destination"`
	Payload        string      `json:"payload"`
}

// IdempotencyKey derives the deduplication key for a message from the user,
// the message type and the UTC day the message was requested.
func IdempotencyKey(userID string, mt MessageType, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, mt, at.UTC().Format("2006-01-02"))
}

// TransitionStats summarizes transitions in a time window.
type TransitionStats struct {
	TotalTransitions         int            `json:"total_transitions"`
	TransitionsByType        map[string]int `json:"transitions_by_type"`
	ResponseTypeDistribution map[string]int `json:"response_type_distribution"`
	AverageDaysInactive      float64        `json:"average_days_inactive"`
}
