package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/EngagePipe/internal/whatsapp"
)

// WhatsAppService implements Service over a direct whatsmeow session.
type WhatsAppService struct {
	client  whatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

// NewWhatsAppService creates a WhatsAppService around client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WhatsAppService", recipient)
}

// SendMessage canonicalizes the recipient and sends through whatsmeow.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
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
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return fmt.Errorf("whatsapp send: %w", err)
	}
	slog.Debug("WhatsAppService.SendMessage: sent", "to", canonical, "body_length", len(body))
	return nil
}

// Stop disconnects the client when it supports it.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if d, ok := s.client.(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
	return nil
}
