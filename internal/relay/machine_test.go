package relay

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestUnauthorizedIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.addChannel(t, testOwner, "news")
	before := h.snapshot(t)
	sessionsBefore := h.m.Sessions.Len()

	for i := IntentStart; i <= IntentOverview; i++ {
		res := h.intent(t, testStray, i)
		if !errors.Is(res.Err, ErrAuthorizationDenied) {
			t.Fatalf("intent %s: err = %v, want ErrAuthorizationDenied", i, res.Err)
		}
		if len(res.Replies) != 1 || res.Replies[0].Text != msgDenied {
			t.Fatalf("intent %s: replies = %+v", i, res.Replies)
		}
	}
	for _, res := range []Result{h.text(t, testStray, "news"), h.content(t, testStray, 5)} {
		if !errors.Is(res.Err, ErrAuthorizationDenied) {
			t.Fatalf("err = %v, want ErrAuthorizationDenied", res.Err)
		}
	}

	if after := h.snapshot(t); !reflect.DeepEqual(before, after) {
		t.Fatalf("collections changed:\n%v\n%v", before, after)
	}
	if h.m.Sessions.Len() != sessionsBefore {
		t.Fatal("unauthorized input created a session")
	}
}

func TestOwnerAddsChannelStrayDenied(t *testing.T) {
	h := newHarness(t, nil)

	res := h.intent(t, testOwner, IntentAddChannel)
	if res.State != StateAwaitingChannelHandle {
		t.Fatalf("state = %s", res.State)
	}
	res = h.text(t, testOwner, "news")
	if res.Err != nil || res.State != StateIdle {
		t.Fatalf("add: err=%v state=%s", res.Err, res.State)
	}
	list, _ := h.m.Registry.List(context.Background(), testOwner)
	if len(list) != 1 || list[0].Handle != "news" {
		t.Fatalf("registry = %+v", list)
	}

	res = h.intent(t, testStray, IntentListChannels)
	if !errors.Is(res.Err, ErrAuthorizationDenied) {
		t.Fatalf("stray list err = %v", res.Err)
	}
}

// enterState drives the owner into the wanted state.
func enterState(t *testing.T, h *harness, state State) {
	t.Helper()
	switch state {
	case StateAwaitingChannelHandle:
		h.intent(t, testOwner, IntentAddChannel)
	case StateAwaitingChannelRemoval:
		h.intent(t, testOwner, IntentRemoveChannel)
	case StateAwaitingAdminID:
		h.intent(t, testOwner, IntentAddAdmin)
	case StateAwaitingStagedContent:
		h.intent(t, testOwner, IntentStage)
	case StateAwaitingBroadcastTarget:
		h.intent(t, testOwner, IntentBroadcast)
	case StateAwaitingConfirmation:
		h.intent(t, testOwner, IntentAddChannel)
		h.text(t, testOwner, "sports")
	}
	if got := h.m.Session(testOwner).State; got != state {
		t.Fatalf("setup: state = %s, want %s", got, state)
	}
}

func TestCancelFromEveryState(t *testing.T) {
	states := []State{
		StateAwaitingChannelHandle,
		StateAwaitingChannelRemoval,
		StateAwaitingAdminID,
		StateAwaitingStagedContent,
		StateAwaitingBroadcastTarget,
		StateAwaitingConfirmation,
	}
	for _, st := range states {
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.ConfirmMutations = true })
			// Seed data directly so flows have something to act on.
			ctx := context.Background()
			if _, err := h.m.Registry.Add(ctx, testOwner, "news"); err != nil {
				t.Fatal(err)
			}
			if _, err := h.m.Staging.Append(ctx, testOwner, StagedMessage{ChatID: testOwner, MessageID: 1}); err != nil {
				t.Fatal(err)
			}
			before := h.snapshot(t)

			enterState(t, h, st)
			res := h.intent(t, testOwner, IntentCancel)
			if res.State != StateIdle || res.Err != nil {
				t.Fatalf("cancel: state=%s err=%v", res.State, res.Err)
			}
			if res.Replies[0].Text != msgCancelled {
				t.Fatalf("reply = %q", res.Replies[0].Text)
			}
			if after := h.snapshot(t); !reflect.DeepEqual(before, after) {
				t.Fatalf("cancel changed collections:\n%v\n%v", before, after)
			}
		})
	}
}

func TestCancelFromIdle(t *testing.T) {
	h := newHarness(t, nil)
	res := h.intent(t, testOwner, IntentCancel)
	if res.State != StateIdle || res.Replies[0].Text != msgNothingToCancel {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestConfirmationGate(t *testing.T) {
	tests := []struct {
		name   string
		answer func(t *testing.T, h *harness) Result
		commit bool
	}{
		{name: "yes text", answer: func(t *testing.T, h *harness) Result { return h.text(t, testOwner, "YES") }, commit: true},
		{name: "y text", answer: func(t *testing.T, h *harness) Result { return h.text(t, testOwner, " y ") }, commit: true},
		{name: "button", answer: func(t *testing.T, h *harness) Result { return h.intent(t, testOwner, IntentConfirm) }, commit: true},
		{name: "no text", answer: func(t *testing.T, h *harness) Result { return h.text(t, testOwner, "no") }},
		{name: "deny button", answer: func(t *testing.T, h *harness) Result { return h.intent(t, testOwner, IntentDeny) }},
		{name: "anything else", answer: func(t *testing.T, h *harness) Result { return h.text(t, testOwner, "maybe") }},
		{name: "other intent", answer: func(t *testing.T, h *harness) Result { return h.intent(t, testOwner, IntentListChannels) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.ConfirmMutations = true })
			h.intent(t, testOwner, IntentAddChannel)
			res := h.text(t, testOwner, "news")
			if res.State != StateAwaitingConfirmation || res.Replies[0].Keyboard != KeyboardConfirm {
				t.Fatalf("expected confirmation prompt, got %+v", res)
			}
			if list, _ := h.m.Registry.List(context.Background(), testOwner); len(list) != 0 {
				t.Fatal("mutation committed before confirmation")
			}

			res = tt.answer(t, h)
			if res.State != StateIdle {
				t.Fatalf("state after answer = %s", res.State)
			}
			list, _ := h.m.Registry.List(context.Background(), testOwner)
			if tt.commit != (len(list) == 1) {
				t.Fatalf("commit=%v but registry=%v", tt.commit, list)
			}
		})
	}
}

func TestInvalidInputReturnsIdle(t *testing.T) {
	tests := []struct {
		name  string
		setup Intent
		input string
		want  error
	}{
		{name: "malformed handle", setup: IntentAddChannel, input: "not a handle", want: ErrValidationFailed},
		{name: "unknown removal", setup: IntentRemoveChannel, input: "@ghost", want: ErrNotFound},
		{name: "non numeric admin", setup: IntentAddAdmin, input: "bob", want: ErrValidationFailed},
		{name: "unknown broadcast target", setup: IntentBroadcast, input: "@ghost", want: ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.addChannel(t, testOwner, "news")
			h.content(t, testOwner, 1)

			if res := h.intent(t, testOwner, tt.setup); res.State == StateIdle {
				t.Fatalf("setup stayed idle: %+v", res)
			}
			res := h.text(t, testOwner, tt.input)
			if !errors.Is(res.Err, tt.want) {
				t.Fatalf("err = %v, want %v", res.Err, tt.want)
			}
			if res.State != StateIdle {
				t.Fatalf("state = %s, want idle", res.State)
			}
			if res.Replies[0].Text == "" {
				t.Fatal("expected a specific reason")
			}
		})
	}
}

func TestValidationFailureFromTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.noRights["private"] = true
	h.intent(t, testOwner, IntentAddChannel)
	res := h.text(t, testOwner, "@private")
	if !errors.Is(res.Err, ErrValidationFailed) || res.State != StateIdle {
		t.Fatalf("err=%v state=%s", res.Err, res.State)
	}
	if !strings.Contains(res.Replies[0].Text, "posting rights") {
		t.Fatalf("reply = %q", res.Replies[0].Text)
	}
}

func TestAddChannelAtLimitAnswersImmediately(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ChannelLimit = 1 })
	h.addChannel(t, testOwner, "news")
	res := h.intent(t, testOwner, IntentAddChannel)
	if !errors.Is(res.Err, ErrLimitExceeded) || res.State != StateIdle {
		t.Fatalf("err=%v state=%s", res.Err, res.State)
	}
}

func TestStorageErrorKeepsState(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ConfirmMutations = true })
	h.intent(t, testOwner, IntentAddChannel)
	h.text(t, testOwner, "news")

	h.store.setBroken(true)
	res := h.text(t, testOwner, "yes")
	if !errors.Is(res.Err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", res.Err)
	}
	if res.State != StateAwaitingConfirmation {
		t.Fatalf("state = %s, want awaiting_confirmation", res.State)
	}
	if res.Replies[0].Text != msgStorage {
		t.Fatalf("reply = %q", res.Replies[0].Text)
	}

	h.store.setBroken(false)
	res = h.text(t, testOwner, "yes")
	if res.Err != nil || res.State != StateIdle {
		t.Fatalf("retry: err=%v state=%s", res.Err, res.State)
	}
}

func TestStagingFlows(t *testing.T) {
	h := newHarness(t, nil)

	// Content in Idle is staged directly.
	if res := h.content(t, testOwner, 11); res.Err != nil || res.State != StateIdle {
		t.Fatalf("direct stage: %+v", res)
	}
	// The explicit flow accepts text as content too.
	h.intent(t, testOwner, IntentStage)
	res := h.m.Handle(context.Background(), Input{
		Operator: testOwner,
		Kind:     InputText,
		Text:     "hello channels",
		Source:   StagedMessage{ChatID: testOwner, MessageID: 12},
	})
	if res.Err != nil || res.State != StateIdle {
		t.Fatalf("flow stage: %+v", res)
	}
	got, _ := h.m.Staging.Snapshot(context.Background(), testOwner)
	if len(got) != 2 || got[0].MessageID != 11 || got[1].MessageID != 12 {
		t.Fatalf("staged = %+v", got)
	}

	res = h.intent(t, testOwner, IntentClearStaged)
	if res.Err != nil || !strings.Contains(res.Replies[0].Text, "Cleared 2") {
		t.Fatalf("clear: %+v", res)
	}
}

func TestBroadcastScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.addChannel(t, testOwner, "good")
	h.addChannel(t, testOwner, "down")
	h.tr.fail["down"] = true
	h.content(t, testOwner, 1)
	h.content(t, testOwner, 2)

	res := h.intent(t, testOwner, IntentBroadcast)
	if res.State != StateAwaitingBroadcastTarget {
		t.Fatalf("state = %s", res.State)
	}
	if want := []string{ChoiceAll, "@good", "@down"}; !reflect.DeepEqual(res.Replies[0].Choices, want) {
		t.Fatalf("choices = %v", res.Replies[0].Choices)
	}

	res = h.text(t, testOwner, "All")
	if res.Err != nil || res.State != StateIdle {
		t.Fatalf("broadcast: err=%v state=%s", res.Err, res.State)
	}
	text := res.Replies[0].Text
	if !strings.Contains(text, "2/4 delivered") || !strings.Contains(text, "@good: 2/2") || !strings.Contains(text, "@down: 0/2") {
		t.Fatalf("report = %q", text)
	}
	if len(h.tr.Calls()) != 4 {
		t.Fatalf("calls = %v", h.tr.Calls())
	}
	// Staged content is retained until cleared explicitly.
	if got, _ := h.m.Staging.Snapshot(context.Background(), testOwner); len(got) != 2 {
		t.Fatalf("staging auto-cleared: %v", got)
	}
}

func TestBroadcastCooldown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BroadcastCooldown = time.Minute })
	h.addChannel(t, testOwner, "news")
	h.content(t, testOwner, 1)

	h.intent(t, testOwner, IntentBroadcast)
	if res := h.text(t, testOwner, "all"); res.Err != nil {
		t.Fatalf("first broadcast: %v", res.Err)
	}

	h.clock.Advance(10 * time.Second)
	res := h.intent(t, testOwner, IntentBroadcast)
	var ce *CooldownError
	if !errors.As(res.Err, &ce) || ce.Remaining != 50*time.Second {
		t.Fatalf("second broadcast err = %v", res.Err)
	}
	if res.State != StateIdle {
		t.Fatalf("state = %s", res.State)
	}

	h.clock.Advance(time.Minute)
	h.intent(t, testOwner, IntentBroadcast)
	if res := h.text(t, testOwner, "@news"); res.Err != nil {
		t.Fatalf("after window: %v", res.Err)
	}
}

func TestBroadcastNothingToSend(t *testing.T) {
	h := newHarness(t, nil)
	res := h.intent(t, testOwner, IntentBroadcast)
	if !errors.Is(res.Err, ErrNothingToSend) {
		t.Fatalf("no staged: err = %v", res.Err)
	}
	h.content(t, testOwner, 1)
	res = h.intent(t, testOwner, IntentBroadcast)
	if !errors.Is(res.Err, ErrNothingToSend) {
		t.Fatalf("no channels: err = %v", res.Err)
	}
	if len(h.tr.Calls()) != 0 {
		t.Fatal("transport called")
	}
}

func TestClearAfterBroadcast(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ClearAfterBroadcast = true })
	h.addChannel(t, testOwner, "news")
	h.content(t, testOwner, 1)
	h.intent(t, testOwner, IntentBroadcast)
	h.text(t, testOwner, "all")
	if got, _ := h.m.Staging.Snapshot(context.Background(), testOwner); len(got) != 0 {
		t.Fatalf("expected staging cleared, got %v", got)
	}
}

func TestAdminManagement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Admins cannot manage admins.
	res := h.intent(t, testAdmin, IntentAddAdmin)
	if !errors.Is(res.Err, ErrAuthorizationDenied) || res.State != StateIdle {
		t.Fatalf("admin add-admin: %+v", res)
	}

	h.intent(t, testOwner, IntentAddAdmin)
	if res := h.text(t, testOwner, "3003"); res.Err != nil {
		t.Fatalf("add admin: %v", res.Err)
	}
	if role, _ := h.m.Guard.Resolve(ctx, 3003); role != RoleAdmin {
		t.Fatalf("role = %s", role)
	}

	// The owner is already privileged.
	h.intent(t, testOwner, IntentAddAdmin)
	res = h.text(t, testOwner, "1001")
	if !errors.Is(res.Err, ErrDuplicate) || !strings.Contains(res.Replies[0].Text, "already privileged") {
		t.Fatalf("owner as admin: %+v", res)
	}
	if ok, _ := h.m.Admins.IsAdmin(ctx, testOwner); ok {
		t.Fatal("owner stored as admin")
	}

	res = h.intent(t, testOwner, IntentRemoveAdmin)
	if res.State != StateAwaitingAdminID || len(res.Replies[0].Choices) != 2 {
		t.Fatalf("remove prompt: %+v", res)
	}
	if res := h.text(t, testOwner, "2002"); res.Err != nil {
		t.Fatalf("remove admin: %v", res.Err)
	}
	if role, _ := h.m.Guard.Resolve(ctx, testAdmin); role != RoleUnauthorized {
		t.Fatalf("removed admin still %s", role)
	}
}

func TestAdminOperatesOwnRegistry(t *testing.T) {
	h := newHarness(t, nil)
	h.addChannel(t, testAdmin, "adminchan")
	h.addChannel(t, testOwner, "ownerchan")

	res := h.intent(t, testAdmin, IntentListChannels)
	text := res.Replies[0].Text
	if !strings.Contains(text, "@adminchan") || strings.Contains(text, "ownerchan") {
		t.Fatalf("admin sees %q", text)
	}

	res = h.intent(t, testOwner, IntentOverview)
	if res.Err != nil || !strings.Contains(res.Replies[0].Text, "2002: 1 channel") {
		t.Fatalf("overview: %+v", res)
	}
}

func TestOtherIntentAbandonsFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.intent(t, testOwner, IntentAddChannel)
	res := h.intent(t, testOwner, IntentStage)
	if res.State != StateAwaitingStagedContent {
		t.Fatalf("state = %s", res.State)
	}
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SessionTTL = time.Minute })
	h.intent(t, testOwner, IntentAddChannel)

	if n := h.m.ExpireSessions(h.clock.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("expired too early: %d", n)
	}
	if n := h.m.ExpireSessions(h.clock.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if st := h.m.Session(testOwner).State; st != StateIdle {
		t.Fatalf("state after expiry = %s", st)
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, nil)
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	h.addChannel(t, testOwner, "news")
	select {
	case e := <-ch:
		if e.Type != EventChannelAdded {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("no event published")
	}
}
