package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/textpilot/textpilot/internal/models"
	"github.com/textpilot/textpilot/internal/onboarding"
	"github.com/textpilot/textpilot/internal/store"
)

// fakeAI returns a canned reply or error and records the messages it was given.
type fakeAI struct {
	mu       sync.Mutex
	reply    string
	err      error
	received [][]openai.ChatCompletionMessageParamUnion
}

func (f *fakeAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestEngine(t *testing.T, ai *fakeAI, opts ...Option) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if ai == nil {
		ai = &fakeAI{reply: "Sure thing!"}
	}
	return NewEngine(st, st, ai, opts...), st
}

func event(from, body, providerID string) models.InboundEvent {
	return models.InboundEvent{From: from, Body: body, ProviderMessageID: providerID}
}

func lastOutboundBody(t *testing.T, st *store.InMemoryStore, userID int64) string {
	t.Helper()
	msgs := st.MessagesForUser(userID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == models.DirectionOutbound {
			return msgs[i].Body
		}
	}
	t.Fatal("no outbound message recorded")
	return ""
}

func TestProcessInbound_ValidationErrors(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.ProcessInbound(ctx, event("", "hi", "SM1")); !errors.Is(err, models.ErrMissingSender) {
		t.Errorf("expected ErrMissingSender, got %v", err)
	}
	if err := eng.ProcessInbound(ctx, event("+15551234567", "hi", "")); !errors.Is(err, models.ErrMissingProviderMessageID) {
		t.Errorf("expected ErrMissingProviderMessageID, got %v", err)
	}
}

func TestProcessInbound_FullOnboardingFlow(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()
	from := "+15551234567"

	steps := []struct {
		body      string
		wantStage models.OnboardingStage
		wantReply string
	}{
		{"hello", models.StageAwaitingName, onboarding.ReplyAskName},
		{"Dana", models.StageAwaitingTimezone, "Nice to meet you, Dana!"},
		{"America/New_York", models.StageAwaitingTrialConfirm, "America/New_York"},
		{"yes", models.StageActive, onboarding.ReplyWelcomeTrial},
	}

	for i, step := range steps {
		if err := eng.ProcessInbound(ctx, event(from, step.body, "SM"+string(rune('A'+i)))); err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		user, err := st.GetUser(from)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if user.OnboardingStage != step.wantStage {
			t.Errorf("step %d: expected stage %s, got %s", i, step.wantStage, user.OnboardingStage)
		}
		if reply := lastOutboundBody(t, st, user.ID); !strings.Contains(reply, step.wantReply) {
			t.Errorf("step %d: expected reply containing %q, got %q", i, step.wantReply, reply)
		}
	}

	user, _ := st.GetUser(from)
	if user.DisplayName != "Dana" {
		t.Errorf("expected name Dana, got %q", user.DisplayName)
	}
	if user.Timezone != "America/New_York" {
		t.Errorf("expected timezone America/New_York, got %q", user.Timezone)
	}
	if user.SubscriptionStatus != models.SubscriptionTrial {
		t.Errorf("expected trial status, got %s", user.SubscriptionStatus)
	}
	if user.TrialStartedAt == nil {
		t.Error("expected trial start to be stamped")
	}
}

func TestProcessInbound_RepromptsWithoutAdvancing(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()
	from := "+15551234567"

	if err := eng.ProcessInbound(ctx, event(from, "hi", "SM1")); err != nil {
		t.Fatal(err)
	}
	// Blank name is rejected.
	if err := eng.ProcessInbound(ctx, event(from, "   ", "SM2")); err != nil {
		t.Fatal(err)
	}
	user, _ := st.GetUser(from)
	if user.OnboardingStage != models.StageAwaitingName {
		t.Fatalf("expected stage to stay at awaiting_name, got %s", user.OnboardingStage)
	}
	if reply := lastOutboundBody(t, st, user.ID); reply != onboarding.ReplyAskNameAgain {
		t.Errorf("expected re-prompt, got %q", reply)
	}

	// Garbage timezone is rejected.
	if err := eng.ProcessInbound(ctx, event(from, "Dana", "SM3")); err != nil {
		t.Fatal(err)
	}
	if err := eng.ProcessInbound(ctx, event(from, "the moon", "SM4")); err != nil {
		t.Fatal(err)
	}
	user, _ = st.GetUser(from)
	if user.OnboardingStage != models.StageAwaitingTimezone {
		t.Fatalf("expected stage to stay at awaiting_timezone, got %s", user.OnboardingStage)
	}
	if reply := lastOutboundBody(t, st, user.ID); reply != onboarding.ReplyAskTimezoneAgain {
		t.Errorf("expected timezone re-prompt, got %q", reply)
	}
}

func TestProcessInbound_DuplicateDeliveryIsIgnored(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()
	from := "+15551234567"

	if err := eng.ProcessInbound(ctx, event(from, "hello", "SM1")); err != nil {
		t.Fatal(err)
	}
	user, _ := st.GetUser(from)
	before := len(st.MessagesForUser(user.ID))

	// Same provider message ID delivered again.
	if err := eng.ProcessInbound(ctx, event(from, "hello", "SM1")); err != nil {
		t.Fatalf("duplicate delivery should ack cleanly, got %v", err)
	}

	user, _ = st.GetUser(from)
	if user.OnboardingStage != models.StageAwaitingName {
		t.Errorf("duplicate must not advance stage, got %s", user.OnboardingStage)
	}
	if after := len(st.MessagesForUser(user.ID)); after != before {
		t.Errorf("duplicate must not append messages: before=%d after=%d", before, after)
	}
}

func TestProcessInbound_DeclineTrialGatesChat(t *testing.T) {
	ai := &fakeAI{reply: "should not be used"}
	eng, st := newTestEngine(t, ai)
	ctx := context.Background()
	from := "+15551234567"

	onboardUser(t, eng, from, "no")

	if err := eng.ProcessInbound(ctx, event(from, "what's on my calendar?", "SM10")); err != nil {
		t.Fatal(err)
	}
	user, _ := st.GetUser(from)
	if user.SubscriptionStatus != models.SubscriptionNone {
		t.Fatalf("expected status none, got %s", user.SubscriptionStatus)
	}
	if reply := lastOutboundBody(t, st, user.ID); reply != ReplySubscribeRequired {
		t.Errorf("expected subscribe message, got %q", reply)
	}
	if len(ai.received) != 0 {
		t.Errorf("AI must not be called for gated users, got %d calls", len(ai.received))
	}
}

func TestProcessInbound_ActiveTrialGetsAIReply(t *testing.T) {
	ai := &fakeAI{reply: "You have lunch at noon."}
	eng, st := newTestEngine(t, ai)
	ctx := context.Background()
	from := "+15551234567"

	onboardUser(t, eng, from, "yes")

	if err := eng.ProcessInbound(ctx, event(from, "what's on my calendar?", "SM10")); err != nil {
		t.Fatal(err)
	}
	user, _ := st.GetUser(from)
	if reply := lastOutboundBody(t, st, user.ID); reply != "You have lunch at noon." {
		t.Errorf("expected AI reply, got %q", reply)
	}
	if len(ai.received) != 1 {
		t.Fatalf("expected 1 AI call, got %d", len(ai.received))
	}
	// Outbound reply is queued for delivery.
	queued, err := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range queued {
		if m.Recipient == from && m.Body == "You have lunch at noon." {
			found = true
		}
	}
	if !found {
		t.Error("expected AI reply in outbox queue")
	}
}

func TestProcessInbound_AIFailureUsesFallback(t *testing.T) {
	ai := &fakeAI{err: errors.New("provider unavailable")}
	eng, st := newTestEngine(t, ai)
	ctx := context.Background()
	from := "+15551234567"

	onboardUser(t, eng, from, "yes")

	if err := eng.ProcessInbound(ctx, event(from, "hello?", "SM10")); err != nil {
		t.Fatalf("AI failure must not fail the request, got %v", err)
	}
	user, _ := st.GetUser(from)
	if reply := lastOutboundBody(t, st, user.ID); reply != ReplyFallback {
		t.Errorf("expected fallback reply, got %q", reply)
	}
}

func TestProcessInbound_ExpiredTrialIsGated(t *testing.T) {
	started := time.Now().Add(-15 * 24 * time.Hour)
	current := time.Now()

	ai := &fakeAI{reply: "should not be used"}
	eng, st := newTestEngine(t, ai, WithClock(func() time.Time { return started }))
	ctx := context.Background()
	from := "+15551234567"

	onboardUser(t, eng, from, "yes")

	// Move the clock 15 days forward.
	eng.now = func() time.Time { return current }

	if err := eng.ProcessInbound(ctx, event(from, "still there?", "SM10")); err != nil {
		t.Fatal(err)
	}
	user, _ := st.GetUser(from)
	if user.SubscriptionStatus != models.SubscriptionExpired {
		t.Errorf("expected status expired, got %s", user.SubscriptionStatus)
	}
	if reply := lastOutboundBody(t, st, user.ID); reply != ReplySubscribeRequired {
		t.Errorf("expected subscribe message, got %q", reply)
	}
	if len(ai.received) != 0 {
		t.Errorf("AI must not be called once the trial expired, got %d calls", len(ai.received))
	}
}

func TestProcessInbound_HistoryIsBounded(t *testing.T) {
	ai := &fakeAI{reply: "ok"}
	eng, _ := newTestEngine(t, ai, WithHistoryLimit(4))
	ctx := context.Background()
	from := "+15551234567"

	onboardUser(t, eng, from, "yes")

	for i := 0; i < 10; i++ {
		if err := eng.ProcessInbound(ctx, event(from, "ping", "SMX"+string(rune('a'+i)))); err != nil {
			t.Fatal(err)
		}
	}

	last := ai.received[len(ai.received)-1]
	// System persona plus at most 4 history messages.
	if len(last) > 5 {
		t.Errorf("expected at most 5 context messages, got %d", len(last))
	}
}

func TestProcessInbound_ConcurrentSameUser(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()
	from := "+15551234567"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = eng.ProcessInbound(ctx, event(from, "hello", "SMC"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	// First contact advances new -> awaiting_name; subsequent messages are
	// treated as name input, carrying the stage further, but the stage must
	// remain valid and exactly eight inbound messages must be recorded.
	user, err := st.GetUser(from)
	if err != nil {
		t.Fatal(err)
	}
	if !models.IsValidStage(user.OnboardingStage) {
		t.Errorf("invalid stage after concurrent delivery: %s", user.OnboardingStage)
	}
	inbound := 0
	for _, m := range st.MessagesForUser(user.ID) {
		if m.Direction == models.DirectionInbound {
			inbound++
		}
	}
	if inbound != 8 {
		t.Errorf("expected 8 inbound messages, got %d", inbound)
	}
}

// onboardUser walks a fresh user through onboarding, answering the trial
// question with the given word.
func onboardUser(t *testing.T, eng *Engine, from, trialAnswer string) {
	t.Helper()
	ctx := context.Background()
	steps := []string{"hi", "Dana", "America/New_York", trialAnswer}
	for i, body := range steps {
		if err := eng.ProcessInbound(ctx, event(from, body, "SMSETUP"+string(rune('0'+i)))); err != nil {
			t.Fatalf("onboarding step %d failed: %v", i, err)
		}
	}
}
