// Package messaging delivers composed engagement messages over a pluggable
// channel (Twilio, whatsmeow or the log).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var errEmptyRecipient = errors.New("recipient cannot be empty")

// phoneNumberRegex matches every non-digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// minPhoneDigits is the shortest recipient accepted by phone-based channels.
const minPhoneDigits = 6

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Each service implements its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Stop releases the underlying client. Later sends fail with ErrServiceStopped.
	Stop() error
}

// canonicalizePhone strips everything but digits and enforces a minimum length.
func canonicalizePhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", errEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
