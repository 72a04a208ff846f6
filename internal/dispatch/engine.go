// Package dispatch routes inbound messages through deduplication, the
// onboarding state machine, subscription gating, and the AI responder, and
// queues the reply for delivery.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"

	"github.com/textpilot/textpilot/internal/genai"
	"github.com/textpilot/textpilot/internal/models"
	"github.com/textpilot/textpilot/internal/onboarding"
	"github.com/textpilot/textpilot/internal/store"
)

const (
	// DefaultTrialWindow is how long a trial grants AI chat after confirmation.
	DefaultTrialWindow = 14 * 24 * time.Hour
	// DefaultHistoryLimit bounds the conversation context sent to the AI.
	DefaultHistoryLimit = 20

	// systemPersona frames every AI completion.
	systemPersona = "You are a helpful calendar assistant responding via SMS. Keep responses concise and friendly."

	// ReplyFallback is sent when the AI responder fails for any reason.
	ReplyFallback = "I apologize, but I am having trouble generating a response. Please try again."

	// ReplySubscribeRequired is sent to active users whose subscription does
	// not grant AI chat.
	ReplySubscribeRequired = "Your TextPilot AI chat isn't active right now. Subscribe to keep chatting - we'll be right here when you do."
)

// Opts holds configuration options for the dispatch engine.
type Opts struct {
	TrialWindow  time.Duration
	HistoryLimit int
	Clock        func() time.Time
}

// Option defines a configuration option for the dispatch engine.
type Option func(*Opts)

// WithTrialWindow sets the trial duration.
func WithTrialWindow(d time.Duration) Option {
	return func(o *Opts) { o.TrialWindow = d }
}

// WithHistoryLimit sets how many recent messages feed the AI context.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Engine processes inbound messages end to end: dedup, user resolution,
// onboarding or chat, reply persistence, and outbox enqueue.
//
// Failures are split at the inbound append: anything before it fails the
// whole request so the provider retries; anything after it is logged and
// swallowed, because the inbound message is already committed and a retry
// would be deduplicated into a no-reply.
type Engine struct {
	store        store.Store
	outbox       store.OutboxRepo
	ai           genai.ClientInterface
	locks        *userLocks
	trialWindow  time.Duration
	historyLimit int
	now          func() time.Time
}

// NewEngine creates a dispatch engine over the given store, outbox, and AI client.
func NewEngine(st store.Store, outbox store.OutboxRepo, ai genai.ClientInterface, opts ...Option) *Engine {
	cfg := Opts{
		TrialWindow:  DefaultTrialWindow,
		HistoryLimit: DefaultHistoryLimit,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:        st,
		outbox:       outbox,
		ai:           ai,
		locks:        newUserLocks(),
		trialWindow:  cfg.TrialWindow,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Clock,
	}
}

// ProcessInbound runs one inbound message through the pipeline. A nil return
// means the provider should be acked, including redeliveries that were
// deduplicated. A non-nil return means nothing was committed and the
// provider may safely retry.
func (e *Engine) ProcessInbound(ctx context.Context, event models.InboundEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	// Cheap pre-check; the unique index on provider_message_id is the real guard.
	exists, err := e.store.MessageExists(event.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate message: %w", err)
	}
	if exists {
		slog.Info("Engine.ProcessInbound: duplicate delivery ignored", "from", event.From, "provider_message_id", event.ProviderMessageID)
		return nil
	}

	release := e.locks.acquire(event.From)
	locked := true
	unlock := func() {
		if locked {
			locked = false
			release()
		}
	}
	defer unlock()

	user, isNew, err := e.store.FindOrCreateUser(event.From)
	if err != nil {
		return fmt.Errorf("failed to resolve user %s: %w", event.From, err)
	}
	if isNew {
		slog.Info("Engine.ProcessInbound: new user created", "from", event.From)
	}

	if _, err := e.store.AppendMessage(user.ID, models.DirectionInbound, event.Body, event.ProviderMessageID); err != nil {
		if err == models.ErrDuplicateMessage {
			slog.Info("Engine.ProcessInbound: concurrent duplicate delivery ignored", "from", event.From, "provider_message_id", event.ProviderMessageID)
			return nil
		}
		return fmt.Errorf("failed to record inbound message: %w", err)
	}

	// The inbound message is committed. From here on, failures produce the
	// fallback reply or are logged, never surfaced to the provider.
	var reply string
	if user.OnboardingStage != models.StageActive {
		reply = e.advanceOnboarding(user, event.Body)
	} else {
		reply = e.respondToChat(ctx, user, unlock)
	}
	unlock()

	if reply == "" {
		return nil
	}

	if _, err := e.store.AppendMessage(user.ID, models.DirectionOutbound, reply, ""); err != nil {
		slog.Error("Engine.ProcessInbound: failed to record outbound message", "error", err, "user_id", user.ID)
	}
	if _, err := e.outbox.EnqueueOutboxMessage(event.From, reply); err != nil {
		slog.Error("Engine.ProcessInbound: failed to enqueue reply", "error", err, "to", event.From)
	}
	return nil
}

// advanceOnboarding feeds one inbound message to the onboarding state machine
// and persists the decided transition. Must be called with the user lock held.
func (e *Engine) advanceOnboarding(user models.User, body string) string {
	decision, err := onboarding.Advance(user.OnboardingStage, body, e.now())
	if err != nil {
		slog.Error("Engine.advanceOnboarding: state machine error", "error", err, "user_id", user.ID, "stage", user.OnboardingStage)
		return ReplyFallback
	}
	if !decision.Advanced {
		return decision.Reply
	}

	ok, err := e.store.AdvanceUserStage(user.PhoneNumber, user.OnboardingStage, decision.NextStage, decision.Fields)
	if err != nil {
		slog.Error("Engine.advanceOnboarding: failed to persist stage transition", "error", err, "user_id", user.ID, "from", user.OnboardingStage, "to", decision.NextStage)
		return ReplyFallback
	}
	if !ok {
		// Another instance advanced the stage between our read and the
		// conditional update. The other delivery owns the reply.
		slog.Warn("Engine.advanceOnboarding: stage advanced concurrently, suppressing reply", "user_id", user.ID, "expected_stage", user.OnboardingStage)
		return ""
	}

	slog.Info("Engine.advanceOnboarding: stage advanced", "user_id", user.ID, "from", user.OnboardingStage, "to", decision.NextStage)
	return decision.Reply
}

// respondToChat gates on subscription status and generates an AI reply.
// Called with the user lock held; it releases the lock via unlock before the
// AI call so a slow completion does not serialize the user's next message
// behind the provider.
func (e *Engine) respondToChat(ctx context.Context, user models.User, unlock func()) string {
	now := e.now()

	if user.SubscriptionStatus == models.SubscriptionTrial && e.trialExpired(user, now) {
		ok, err := e.store.SetSubscriptionStatus(user.PhoneNumber, models.SubscriptionTrial, models.SubscriptionExpired)
		if err != nil {
			slog.Error("Engine.respondToChat: failed to expire trial", "error", err, "user_id", user.ID)
		} else if ok {
			slog.Info("Engine.respondToChat: trial expired", "user_id", user.ID)
		}
		return ReplySubscribeRequired
	}
	if !user.SubscriptionStatus.AllowsChat() {
		return ReplySubscribeRequired
	}

	history, err := e.store.RecentMessages(user.ID, e.historyLimit)
	if err != nil {
		slog.Error("Engine.respondToChat: failed to load conversation history", "error", err, "user_id", user.ID)
		return ReplyFallback
	}

	unlock()

	reply, err := e.ai.GenerateWithMessages(ctx, buildChatContext(user, history, now))
	if err != nil {
		slog.Error("Engine.respondToChat: AI completion failed, using fallback", "error", err, "user_id", user.ID)
		return ReplyFallback
	}
	return reply
}

// trialExpired reports whether the trial window has lapsed. A trial user with
// no recorded start is treated as expired rather than granted open-ended access.
func (e *Engine) trialExpired(user models.User, now time.Time) bool {
	if user.TrialStartedAt == nil {
		return true
	}
	return now.Sub(*user.TrialStartedAt) > e.trialWindow
}

// buildChatContext assembles the completion messages: the assistant persona
// with user framing, then the recent history oldest first. The current
// inbound message is already the last history entry.
func buildChatContext(user models.User, history []models.Message, now time.Time) []openai.ChatCompletionMessageParamUnion {
	persona := systemPersona
	if user.DisplayName != "" {
		persona += fmt.Sprintf(" The user's name is %s.", user.DisplayName)
	}
	if user.Timezone != "" {
		loc := onboarding.LoadUserLocation(user.Timezone)
		persona += fmt.Sprintf(" The user's timezone is %s; their current local time is %s.",
			user.Timezone, now.In(loc).Format("Monday, January 2, 2006 3:04 PM"))
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(persona))
	for _, m := range history {
		if m.Direction == models.DirectionOutbound {
			msgs = append(msgs, openai.AssistantMessage(m.Body))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Body))
		}
	}
	return msgs
}
