package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/textpilot/textpilot/internal/models"
	"github.com/textpilot/textpilot/internal/twiliosms"
)

// TwilioService implements the Service interface using the Twilio SMS API.
// Inbound traffic for this channel arrives through the HTTP webhook, not the
// Inbound channel.
type TwilioService struct {
	client  twiliosms.Sender // real Twilio client or MockClient
	inbound chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService wrapping the given sender.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number
// to E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start is a no-op for Twilio; inbound messages arrive via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped and closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

// SendMessage sends an SMS via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Inbound returns the inbound channel. It stays idle for Twilio because the
// provider delivers inbound messages to the webhook endpoint.
func (s *TwilioService) Inbound() <-chan models.InboundEvent {
	return s.inbound
}
