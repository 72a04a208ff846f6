package messaging

import (
	"context"
	"testing"

	"github.com/textpilot/textpilot/internal/twiliosms"
	"github.com/textpilot/textpilot/internal/whatsapp"
)

func TestTwilioService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliosms.NewMockClient())

	tests := []struct {
		name      string
		recipient string
		expected  string
		wantErr   bool
	}{
		{
			name:      "already canonical",
			recipient: "+15551234567",
			expected:  "+15551234567",
		},
		{
			name:      "missing plus",
			recipient: "15551234567",
			expected:  "+15551234567",
		},
		{
			name:      "formatted number",
			recipient: "+1 (555) 123-4567",
			expected:  "+15551234567",
		},
		{
			name:      "empty recipient",
			recipient: "",
			wantErr:   true,
		},
		{
			name:      "no digits",
			recipient: "not-a-number",
			wantErr:   true,
		},
		{
			name:      "too short",
			recipient: "12345",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tt.recipient)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.recipient, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestTwilioService_SendMessageCanonicalizes(t *testing.T) {
	mock := twiliosms.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15551234567" {
		t.Errorf("expected canonical recipient, got %q", mock.SentMessages[0].To)
	}
}

func TestTwilioService_SendAfterStop(t *testing.T) {
	svc := NewTwilioService(twiliosms.NewMockClient())

	if err := svc.Stop(); err != nil {
		t.Fatalf("unexpected error stopping: %v", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}

	if err := svc.SendMessage(context.Background(), "+15551234567", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "15551234567", "hi there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15551234567" {
		t.Errorf("expected canonical recipient, got %q", mock.SentMessages[0].To)
	}
}
