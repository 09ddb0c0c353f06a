package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// Composer renders the text for an outbound message. *genai.Composer satisfies it.
type Composer interface {
	Compose(ctx context.Context, kind models.MessageType, userID string) (string, error)
}

// NewOutboxSendFunc returns the callback store.OutboxSender uses to deliver a
// claimed outbox row. The row's destination falls back to its user id.
func NewOutboxSendFunc(svc Service, composer Composer) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		to := msg.Destination
		if to == "" {
			to = msg.UserID
		}
		body, err := composer.Compose(ctx, models.MessageType(msg.Kind), msg.UserID)
		if err != nil {
			return fmt.Errorf("compose %s for %s: %w", msg.Kind, msg.UserID, err)
		}
		if err := svc.SendMessage(ctx, to, body); err != nil {
			return err
		}
		slog.Info("Delivery: outbox message sent", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind, "attempt", msg.Attempts+1)
		return nil
	}
}
