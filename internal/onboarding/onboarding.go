// Package onboarding implements the setup conversation that runs before
// free-form chat is enabled.
//
// The state machine is a pure function over (persisted stage, inbound text):
// it never touches storage itself, it only reports the transition, the
// scripted reply, and the fields to persist. A single inbound message
// produces at most one transition; unparseable input re-prompts without
// advancing.
package onboarding

import (
	"fmt"
	"strings"
	"time"

	"github.com/textpilot/textpilot/internal/models"
)

// Scripted reply templates. Users never see raw error strings; every
// rejection maps to one of these.
const (
	ReplyAskName = "Hi! I'm TextPilot, your personal assistant over SMS. What should I call you?"

	ReplyAskNameAgain = "I didn't catch a name there. What should I call you?"

	ReplyAskTimezone = "Nice to meet you, %s! What timezone are you in? You can send a city (like Denver or London), an IANA zone (like America/New_York), or a UTC offset (like UTC-7)."

	ReplyAskTimezoneAgain = "Sorry, I couldn't work out that timezone. Send a city name (Denver, London), an IANA zone (America/New_York), or a UTC offset (UTC-7, +05:30)."

	ReplyAskTrialConfirm = "Got it, you're on %s time. Want to start your free 14-day trial? You'll get unlimited AI chat, no card needed. Reply YES to start or NO to skip."

	ReplyAskTrialConfirmAgain = "Just checking: reply YES to start your free trial, or NO to skip it for now."

	ReplyWelcomeTrial = "You're all set! Your trial has started. Ask me anything - scheduling, reminders, or just chat."

	ReplyWelcomeLimited = "No problem. You can still text me, but AI chat stays off until you subscribe."
)

// Keyword sets for trial confirmation, matched case-insensitively on the
// trimmed inbound text.
var (
	affirmativeWords = map[string]bool{"yes": true, "y": true, "ok": true, "sure": true, "start": true}
	negativeWords    = map[string]bool{"no": true, "n": true, "cancel": true, "stop": true}
)

// Decision is the outcome of feeding one inbound message to the state machine.
type Decision struct {
	NextStage models.OnboardingStage
	Reply     string
	Fields    models.UserUpdate
	// Advanced is false when the input was rejected and the stage must not move.
	Advanced bool
}

// Advance decides the next stage, scripted reply, and fields to persist for
// the given persisted stage and inbound text. now stamps the trial start on
// an affirmative confirmation.
func Advance(stage models.OnboardingStage, inboundText string, now time.Time) (Decision, error) {
	text := strings.TrimSpace(inboundText)

	switch stage {
	case models.StageNew:
		// Any first contact starts onboarding, including empty-ish greetings.
		return Decision{
			NextStage: models.StageAwaitingName,
			Reply:     ReplyAskName,
			Advanced:  true,
		}, nil

	case models.StageAwaitingName:
		if text == "" {
			return Decision{NextStage: stage, Reply: ReplyAskNameAgain}, nil
		}
		name := text
		return Decision{
			NextStage: models.StageAwaitingTimezone,
			Reply:     fmt.Sprintf(ReplyAskTimezone, name),
			Fields:    models.UserUpdate{DisplayName: &name},
			Advanced:  true,
		}, nil

	case models.StageAwaitingTimezone:
		tz, err := ResolveTimezone(text)
		if err != nil {
			return Decision{NextStage: stage, Reply: ReplyAskTimezoneAgain}, nil
		}
		return Decision{
			NextStage: models.StageAwaitingTrialConfirm,
			Reply:     fmt.Sprintf(ReplyAskTrialConfirm, tz),
			Fields:    models.UserUpdate{Timezone: &tz},
			Advanced:  true,
		}, nil

	case models.StageAwaitingTrialConfirm:
		word := strings.ToLower(text)
		switch {
		case affirmativeWords[word]:
			status := models.SubscriptionTrial
			startedAt := now.UTC()
			return Decision{
				NextStage: models.StageActive,
				Reply:     ReplyWelcomeTrial,
				Fields: models.UserUpdate{
					SubscriptionStatus: &status,
					TrialStartedAt:     &startedAt,
				},
				Advanced: true,
			}, nil
		case negativeWords[word]:
			// A decline still completes onboarding; AI chat stays gated off.
			status := models.SubscriptionNone
			return Decision{
				NextStage: models.StageActive,
				Reply:     ReplyWelcomeLimited,
				Fields:    models.UserUpdate{SubscriptionStatus: &status},
				Advanced:  true,
			}, nil
		default:
			return Decision{NextStage: stage, Reply: ReplyAskTrialConfirmAgain}, nil
		}

	case models.StageActive:
		// Active users are routed to chat by the dispatcher, not here.
		return Decision{}, fmt.Errorf("stage %s is not handled by onboarding", stage)

	default:
		return Decision{}, fmt.Errorf("unknown onboarding stage %q", stage)
	}
}
