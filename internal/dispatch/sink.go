package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// SlogSink writes analytics events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink logs events under an "analytics" group. A nil logger uses slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Record(ctx context.Context, event, userID string, props map[string]any) error {
	attrs := make([]any, 0, len(props)*2)
	for k, v := range props {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "analytics event",
		"event", event,
		"userID", userID,
		slog.Group("analytics", attrs...))
	return nil
}

// Event is one recorded analytics call.
type Event struct {
	Name   string
	UserID string
	Props  map[string]any
}

// RecordingSink keeps events in memory. Err, when set, is returned from every
// Record call after the event is kept.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (s *RecordingSink) Record(_ context.Context, event, userID string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Name: event, UserID: userID, Props: props})
	return s.Err
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Names returns the recorded event names in order.
func (s *RecordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}
