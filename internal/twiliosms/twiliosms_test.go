package twiliosms

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "+15551234567", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15551234567" {
		t.Errorf("expected to %q, got %q", "+15551234567", mock.SentMessages[0].To)
	}
	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestMockClient_SendErr(t *testing.T) {
	mock := NewMockClient()
	mock.SendErr = errors.New("carrier rejected")

	if err := mock.SendMessage(context.Background(), "+15551234567", "x"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(mock.SentMessages) != 0 {
		t.Errorf("expected no recorded messages, got %d", len(mock.SentMessages))
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when credentials are missing")
	}

	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Fatal("expected error when from number is missing")
	}
}

func TestNewClient_WithOptions(t *testing.T) {
	client, err := NewClient(
		WithAccountSID("AC123"),
		WithAuthToken("token"),
		WithFromNumber("+15550000000"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.fromNumber != "+15550000000" {
		t.Errorf("expected from number %q, got %q", "+15550000000", client.fromNumber)
	}
}
