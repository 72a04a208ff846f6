// Package api provides HTTP response utilities for TextPilot.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Response is the envelope for JSON endpoints (health and future admin routes).
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// errorResponse builds an error envelope.
func errorResponse(msg string) Response {
	return Response{Status: "error", Error: msg}
}

// Pre-marshaled fallback response to avoid runtime JSON encoding failures.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(errorResponse("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first to catch encoding errors before writing headers.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// emptyTwiML acknowledges a Twilio webhook without instructing Twilio to send
// anything. Replies go out through the outbox instead, so a slow AI call never
// holds the webhook open.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// writeTwiMLAck writes the empty TwiML acknowledgment.
func writeTwiMLAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, emptyTwiML); err != nil {
		slog.Error("Server.writeTwiMLAck: failed to write TwiML response", "error", err)
	}
}
