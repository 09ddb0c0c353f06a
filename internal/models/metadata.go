package models

import (
	"encoding/json"
	"fmt"
)

// TriggerSource records who caused a transition.
type TriggerSource string

const (
	TriggerSourceScheduler   TriggerSource = "scheduler"
	TriggerSourceUserMessage TriggerSource = "user_message"
)

// ResponseType classifies how a user answered (or did not answer) a goodbye.
type ResponseType string

const (
	ResponseTypeConfused ResponseType = "confused"
	ResponseTypeBusy     ResponseType = "busy"
	ResponseTypeAllGood  ResponseType = "all_good"
	ResponseTypeTimeout  ResponseType = "timeout"
)

// Metadata is the typed payload attached to a TransitionRecord. The concrete
// variant is determined by the trigger that caused the transition.
type Metadata interface {
	isMetadata()
	// Fields flattens the variant into the key bag used for logs and analytics.
	Fields() map[string]any
}

// InactivityMetadata accompanies active -> goodbye_sent.
type InactivityMetadata struct {
	DaysInactive  int           `json:"days_inactive"`
	TriggerSource TriggerSource `json:"trigger_source"`
}

// ReturnMetadata accompanies every user_message transition back to active.
// UnpromptedReturn and DaysInactive are only set when a dormant user came back
// on their own after a long gap.
type ReturnMetadata struct {
	TriggerSource    TriggerSource `json:"trigger_source"`
	UnpromptedReturn bool          `json:"unprompted_return,omitempty"`
	DaysInactive     *int          `json:"days_inactive,omitempty"`
}

// GoodbyeResponseMetadata accompanies a numbered reply to the goodbye message.
type GoodbyeResponseMetadata struct {
	ResponseType  ResponseType  `json:"response_type"`
	TriggerSource TriggerSource `json:"trigger_source,omitempty"`
}

// GoodbyeTimeoutMetadata accompanies goodbye_sent -> dormant when nobody replied.
type GoodbyeTimeoutMetadata struct {
	ResponseType     ResponseType `json:"response_type"`
	HoursWaited      int          `json:"hours_waited"`
	DaysSinceGoodbye int          `json:"days_since_goodbye"`
}

// ReminderDueMetadata accompanies remind_later -> dormant.
type ReminderDueMetadata struct {
	TriggerSource TriggerSource `json:"trigger_source"`
}

func (InactivityMetadata) isMetadata()      {}
func (ReturnMetadata) isMetadata()          {}
func (GoodbyeResponseMetadata) isMetadata() {}
func (GoodbyeTimeoutMetadata) isMetadata()  {}
func (ReminderDueMetadata) isMetadata()     {}

func (m InactivityMetadata) Fields() map[string]any {
	return map[string]any{
		"days_inactive":  m.DaysInactive,
		"trigger_source": string(m.TriggerSource),
	}
}

func (m ReturnMetadata) Fields() map[string]any {
	f := map[string]any{"trigger_source": string(m.TriggerSource)}
	if m.UnpromptedReturn {
		f["unprompted_return"] = true
	}
	if m.DaysInactive != nil {
		f["days_inactive"] = *m.DaysInactive
	}
	return f
}

func (m GoodbyeResponseMetadata) Fields() map[string]any {
	f := map[string]any{"response_type": string(m.ResponseType)}
	if m.TriggerSource != "" {
		f["trigger_source"] = string(m.TriggerSource)
	}
	return f
}

func (m GoodbyeTimeoutMetadata) Fields() map[string]any {
	return map[string]any{
		"response_type":      string(m.ResponseType),
		"hours_waited":       m.HoursWaited,
		"days_since_goodbye": m.DaysSinceGoodbye,
	}
}

func (m ReminderDueMetadata) Fields() map[string]any {
	return map[string]any{"trigger_source": string(m.TriggerSource)}
}

// DecodeMetadata decodes stored metadata JSON into the variant owned by trigger.
// Empty input decodes to the zero value of that variant.
func DecodeMetadata(trigger Trigger, data []byte) (Metadata, error) {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	switch trigger {
	case TriggerInactivity14d:
		var m InactivityMetadata
		return decodeInto(trigger, data, &m, func() Metadata { return m })
	case TriggerUserMessage:
		var m ReturnMetadata
		return decodeInto(trigger, data, &m, func() Metadata { return m })
	case TriggerGoodbyeResponse1, TriggerGoodbyeResponse2, TriggerGoodbyeResponse3:
		var m GoodbyeResponseMetadata
		return decodeInto(trigger, data, &m, func() Metadata { return m })
	case TriggerGoodbyeTimeout:
		var m GoodbyeTimeoutMetadata
		return decodeInto(trigger, data, &m, func() Metadata { return m })
	case TriggerReminderDue:
		var m ReminderDueMetadata
		return decodeInto(trigger, data, &m, func() Metadata { return m })
	}
	return nil, fmt.Errorf("no metadata variant for trigger %q", trigger)
}

func decodeInto(trigger Trigger, data []byte, target any, value func() Metadata) (Metadata, error) {
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", trigger, err)
	}
	return value(), nil
}
