package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// SentMessage is one message accepted by LogService.
type SentMessage struct {
	To   string
	Body string
}

// LogService writes messages to the log instead of a real channel. It keeps
// what it sent so local runs and tests can inspect it.
type LogService struct {
	logger  *slog.Logger
	mu      sync.Mutex
	sent    []SentMessage
	stopped bool
}

// NewLogService creates a LogService. A nil logger uses slog.Default().
func NewLogService(logger *slog.Logger) *LogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogService{logger: logger}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient unchanged.
func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errEmptyRecipient
	}
	return recipient, nil
}

func (s *LogService) SendMessage(ctx context.Context, to string, body string) error {
	if _, err := s.ValidateAndCanonicalizeRecipient(to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	s.logger.Info("LogService.SendMessage", "to", to, "body", body)
	return nil
}

// Sent returns a copy of every message sent so far.
func (s *LogService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *LogService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
