package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/EngagePipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client  twiliowhatsapp.Sender // real Twilio client or MockClient
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", recipient)
}

// SendMessage canonicalizes the recipient and sends via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "to", canonical, "error", err)
		return fmt.Errorf("twilio send: %w", err)
	}
	slog.Debug("TwilioService.SendMessage: sent", "to", canonical, "body_length", len(body))
	return nil
}

// Stop marks the service stopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
