// Package models defines the core data structures for TextPilot.
//
// It includes the user and message records, the onboarding and subscription
// enums, and the shared error values used across modules.
package models

import (
	"errors"
	"time"
)

// OnboardingStage is a user's position in the fixed setup sequence that runs
// before free-form chat is enabled.
type OnboardingStage string

const (
	// StageNew means the user has never messaged the service before.
	StageNew OnboardingStage = "new"
	// StageAwaitingName means the service is waiting for the user's name.
	StageAwaitingName OnboardingStage = "awaiting_name"
	// StageAwaitingTimezone means the service is waiting for the user's timezone.
	StageAwaitingTimezone OnboardingStage = "awaiting_timezone"
	// StageAwaitingTrialConfirm means the service is waiting for the user to
	// accept or decline the trial.
	StageAwaitingTrialConfirm OnboardingStage = "awaiting_trial_confirm"
	// StageActive means onboarding is complete and chat is enabled.
	StageActive OnboardingStage = "active"
)

// stageOrder fixes the monotonic onboarding sequence. Transitions may only
// move forward through this list, never backward.
var stageOrder = map[OnboardingStage]int{
	StageNew:                  0,
	StageAwaitingName:         1,
	StageAwaitingTimezone:     2,
	StageAwaitingTrialConfirm: 3,
	StageActive:               4,
}

// IsValidStage checks if the given onboarding stage is recognized.
func IsValidStage(s OnboardingStage) bool {
	_, ok := stageOrder[s]
	return ok
}

// StagePrecedes reports whether a comes strictly before b in the onboarding
// sequence.
func StagePrecedes(a, b OnboardingStage) bool {
	ra, aok := stageOrder[a]
	rb, bok := stageOrder[b]
	return aok && bok && ra < rb
}

// SubscriptionStatus tracks a user's access level for AI chat.
type SubscriptionStatus string

const (
	// SubscriptionTrial grants AI chat access during the trial window.
	SubscriptionTrial SubscriptionStatus = "trial"
	// SubscriptionActive grants full AI chat access.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionExpired means the trial window has lapsed.
	SubscriptionExpired SubscriptionStatus = "expired"
	// SubscriptionNone means the user declined the trial.
	SubscriptionNone SubscriptionStatus = "none"
)

// IsValidSubscriptionStatus checks if the given subscription status is recognized.
func IsValidSubscriptionStatus(s SubscriptionStatus) bool {
	switch s {
	case SubscriptionTrial, SubscriptionActive, SubscriptionExpired, SubscriptionNone:
		return true
	default:
		return false
	}
}

// AllowsChat reports whether the status grants access to the AI responder.
func (s SubscriptionStatus) AllowsChat() bool {
	return s == SubscriptionTrial || s == SubscriptionActive
}

// User is a persisted participant keyed by phone number.
type User struct {
	ID                 int64              `json:"id"`
	PhoneNumber        string             `json:"phone_number"`
	DisplayName        string             `json:"display_name,omitempty"` // empty until onboarding collects it
	Timezone           string             `json:"timezone,omitempty"`     // IANA identifier or normalized offset
	OnboardingStage    OnboardingStage    `json:"onboarding_stage"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	TrialStartedAt     *time.Time         `json:"trial_started_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// UserUpdate carries the optional fields a stage transition may persist.
// Nil pointers leave the corresponding column untouched.
type UserUpdate struct {
	DisplayName        *string
	Timezone           *string
	SubscriptionStatus *SubscriptionStatus
	TrialStartedAt     *time.Time
}

// MessageDirection distinguishes inbound from outbound messages.
type MessageDirection string

const (
	// DirectionInbound marks a message received from the user.
	DirectionInbound MessageDirection = "inbound"
	// DirectionOutbound marks a reply sent to the user.
	DirectionOutbound MessageDirection = "outbound"
)

// Message is one immutable entry in a user's append-only message log.
// Inbound messages carry the provider-assigned identifier used for webhook
// deduplication; outbound messages leave it empty.
type Message struct {
	ID                int64            `json:"id"`
	UserID            int64            `json:"user_id"`
	Direction         MessageDirection `json:"direction"`
	Body              string           `json:"body"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// InboundEvent is a normalized inbound webhook delivery.
type InboundEvent struct {
	From              string `json:"from"`                // sender phone number, E.164
	Body              string `json:"body"`                // message text, may be empty
	ProviderMessageID string `json:"provider_message_id"` // dedup key, e.g. Twilio MessageSid
}

// Validate checks that an inbound event carries the fields the pipeline
// cannot proceed without. An empty body is allowed: any first contact,
// including an empty-ish greeting, must start onboarding.
func (e InboundEvent) Validate() error {
	if e.From == "" {
		return ErrMissingSender
	}
	if e.ProviderMessageID == "" {
		return ErrMissingProviderMessageID
	}
	return nil
}

// Error values shared across modules.
var (
	// ErrMissingSender indicates an inbound event without a sender number.
	ErrMissingSender = errors.New("inbound event missing sender")
	// ErrMissingProviderMessageID indicates an inbound event without a dedup key.
	ErrMissingProviderMessageID = errors.New("inbound event missing provider message id")
	// ErrDuplicateMessage indicates an append that collided with an existing
	// provider message id. Signals a redelivered webhook, not a failure.
	ErrDuplicateMessage = errors.New("duplicate provider message id")
	// ErrUserNotFound indicates a lookup for a phone number with no user row.
	ErrUserNotFound = errors.New("user not found")
	// ErrStageConflict indicates a conditional stage update that found the row
	// no longer in the expected stage.
	ErrStageConflict = errors.New("onboarding stage changed concurrently")
	// ErrUnrecognizedInput indicates onboarding input that could not be parsed.
	// Recovered locally as a re-prompt, never surfaced to the transport.
	ErrUnrecognizedInput = errors.New("unrecognized onboarding input")
	// ErrEmptyCompletion indicates the AI provider returned no usable text.
	ErrEmptyCompletion = errors.New("empty completion")
)
