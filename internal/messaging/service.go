// Package messaging provides pluggable delivery channels for TextPilot.
//
// Each channel wraps a transport client (Twilio SMS or WhatsApp) behind a
// common Service interface so the outbox sender and the inbound pipeline do
// not care which network carries the conversation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/textpilot/textpilot/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for inbound event channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// nonDigitRegex strips everything that is not a digit from a recipient.
var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier, returning the E.164 form used throughout the system.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of incoming messages. Channels that receive
	// inbound traffic via HTTP webhooks instead leave this channel idle.
	Inbound() <-chan models.InboundEvent
}

// canonicalizePhoneNumber reduces a recipient to E.164 form: a leading plus
// followed by at least six digits.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	digits := nonDigitRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}

	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
