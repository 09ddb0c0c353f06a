package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}

	mock.Err = errors.New("rate limited")
	if err := mock.SendMessage(ctx, "12345", "again"); err == nil {
		t.Fatal("expected configured error")
	}
	if len(mock.Sent()) != 1 {
		t.Errorf("failed send must not be recorded")
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Fatal("expected error without sender number")
	}
	cli, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("whatsapp:+15550001111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.fromWhats != "whatsapp:+15550001111" {
		t.Errorf("unexpected sender %q", cli.fromWhats)
	}
}
