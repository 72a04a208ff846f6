package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/textpilot/textpilot/internal/models"
)

// twilioWebhookHandler handles inbound Twilio SMS webhook requests.
//
// Twilio retries deliveries that do not get a 2xx, so the handler returns
// success for everything except malformed requests and storage failures that
// happened before the inbound message was committed. Duplicates from those
// retries are acked without reprocessing.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.twilioWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageSid := r.FormValue("MessageSid")

	if from == "" || messageSid == "" {
		slog.Warn("Server.twilioWebhookHandler: missing required fields", "from_set", from != "", "message_sid_set", messageSid != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.msgService.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: sender validation failed", "error", err, "from", from)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	event := models.InboundEvent{
		From:              canonicalFrom,
		Body:              body,
		ProviderMessageID: messageSid,
	}

	if err := s.engine.ProcessInbound(r.Context(), event); err != nil {
		if errors.Is(err, models.ErrMissingSender) || errors.Is(err, models.ErrMissingProviderMessageID) {
			http.Error(w, "Missing required fields", http.StatusBadRequest)
			return
		}
		// Nothing was committed; let Twilio retry.
		slog.Error("Server.twilioWebhookHandler: inbound processing failed", "error", err, "from", canonicalFrom)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	slog.Debug("Server.twilioWebhookHandler: inbound message accepted", "from", canonicalFrom, "message_sid", messageSid)
	writeTwiMLAck(w)
}
