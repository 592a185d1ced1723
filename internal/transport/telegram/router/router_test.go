package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type sent struct {
	chat   int64
	text   string
	markup *tele.ReplyMarkup
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
	menu     []kit.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{chat: to.ChatID, text: text}
	if opt != nil {
		s.markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	f.sent = append(f.sent, s)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) ResolveChat(context.Context, string) (kit.ChatInfo, error) {
	return kit.ChatInfo{}, nil
}
func (f *fakeAdapter) HasDeliveryRights(context.Context, string) (bool, error) { return true, nil }
func (f *fakeAdapter) DeliverText(context.Context, string, string) error       { return nil }
func (f *fakeAdapter) Redeliver(context.Context, string, kit.MessageRef) error { return nil }

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

// echoHandler records inputs per operator and replies with their text.
type echoHandler struct {
	mu   sync.Mutex
	seen map[int64][]string
}

func (h *echoHandler) Handle(_ context.Context, in relay.Input) relay.Result {
	h.mu.Lock()
	if h.seen == nil {
		h.seen = map[int64][]string{}
	}
	h.seen[in.Operator] = append(h.seen[in.Operator], in.Text)
	h.mu.Unlock()
	return relay.Result{Replies: []relay.Reply{{Text: "echo " + in.Text}}}
}

func textUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: from, FromID: from, Text: text}}
}

func TestParseUpdate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cases := []struct {
		name   string
		up     kit.Update
		ok     bool
		kind   relay.InputKind
		intent relay.Intent
	}{
		{"slash", textUpdate(1, "/add"), true, relay.InputIntent, relay.IntentAddChannel},
		{"slash with bot name", textUpdate(1, "/Broadcast@relay_bot"), true, relay.InputIntent, relay.IntentBroadcast},
		{"unknown slash", textUpdate(1, "/nope"), true, relay.InputText, relay.IntentNone},
		{"menu label", textUpdate(1, LabelCancel), true, relay.InputIntent, relay.IntentCancel},
		{"owner label", textUpdate(1, LabelOverview), true, relay.InputIntent, relay.IntentOverview},
		{"free text", textUpdate(1, "@news"), true, relay.InputText, relay.IntentNone},
		{"content", kit.Update{Kind: kit.UpdateContent, Message: &kit.Message{ID: 9, ChatID: 1, FromID: 1}}, true, relay.InputContent, relay.IntentNone},
		{"group message", kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -5, FromID: 1, Text: "/add", IsGroup: true}}, false, 0, 0},
		{"confirm yes", kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", FromID: 1, ChatID: 1, Data: "relay:confirm:yes"}}, true, relay.InputIntent, relay.IntentConfirm},
		{"confirm no", kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", FromID: 1, ChatID: 1, Data: "relay:confirm:no"}}, true, relay.InputIntent, relay.IntentDeny},
		{"foreign callback", kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", FromID: 1, Data: "other:x"}}, false, 0, 0},
		{"nil message", kit.Update{Kind: kit.UpdateMessage}, false, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, ok := parseUpdate(tc.up, now)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if in.Kind != tc.kind || in.Intent != tc.intent {
				t.Fatalf("got kind=%v intent=%v, want kind=%v intent=%v", in.Kind, in.Intent, tc.kind, tc.intent)
			}
			if !in.At.Equal(now) {
				t.Fatalf("At = %v", in.At)
			}
		})
	}

	in, _ := parseUpdate(kit.Update{Kind: kit.UpdateContent, Message: &kit.Message{ID: 9, ChatID: 1, FromID: 1}}, now)
	if in.Source != (relay.StagedMessage{ChatID: 1, MessageID: 9}) {
		t.Fatalf("content source = %+v", in.Source)
	}
}

func TestMarkupFor(t *testing.T) {
	if rm := markupFor(relay.Reply{Keyboard: relay.KeyboardKeep}); rm != nil {
		t.Fatalf("keep must not send markup: %+v", rm)
	}

	admin := markupFor(relay.Reply{Keyboard: relay.KeyboardMain, Role: relay.RoleAdmin})
	owner := markupFor(relay.Reply{Keyboard: relay.KeyboardMain, Role: relay.RoleOwner})
	if len(owner.ReplyKeyboard) <= len(admin.ReplyKeyboard) {
		t.Fatalf("owner menu must extend the admin menu: %d vs %d", len(owner.ReplyKeyboard), len(admin.ReplyKeyboard))
	}
	for _, row := range admin.ReplyKeyboard {
		for _, b := range row {
			if it, ok := labelIntents[b.Text]; !ok || it.OwnerOnly() {
				t.Fatalf("admin menu has %q", b.Text)
			}
		}
	}

	choices := markupFor(relay.Reply{Keyboard: relay.KeyboardChoices, Choices: []string{relay.ChoiceAll, "@a", "@b"}})
	if n := len(choices.ReplyKeyboard); n != 4 {
		t.Fatalf("choice rows = %d, want 4", n)
	}
	if last := choices.ReplyKeyboard[3][0].Text; last != LabelCancel {
		t.Fatalf("last choice row = %q", last)
	}

	confirm := markupFor(relay.Reply{Keyboard: relay.KeyboardConfirm})
	if len(confirm.InlineKeyboard) != 1 || len(confirm.InlineKeyboard[0]) != 2 {
		t.Fatalf("confirm markup: %+v", confirm.InlineKeyboard)
	}
	for _, b := range confirm.InlineKeyboard[0] {
		up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{FromID: 1, Data: b.Data}}
		if _, ok := parseUpdate(up, time.Now()); !ok {
			t.Fatalf("confirm button %q does not parse", b.Data)
		}
	}
}

func TestMenuCommandsCoverSlashIntents(t *testing.T) {
	cmds := menuCommands()
	if len(cmds) != len(slashIntents) {
		t.Fatalf("menu has %d commands, table has %d", len(cmds), len(slashIntents))
	}
	for _, c := range cmds {
		if _, ok := slashIntents[c.Command]; !ok {
			t.Fatalf("menu command %q not routable", c.Command)
		}
	}
}

// gateHandler parks every input of one operator until release is closed.
type gateHandler struct {
	blocked int64
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	handled map[int64]int
}

func newGateHandler(blocked int64) *gateHandler {
	return &gateHandler{blocked: blocked, started: make(chan struct{}), release: make(chan struct{}), handled: map[int64]int{}}
}

func (h *gateHandler) Handle(_ context.Context, in relay.Input) relay.Result {
	if in.Operator == h.blocked {
		h.once.Do(func() { close(h.started) })
		<-h.release
	}
	h.mu.Lock()
	h.handled[in.Operator]++
	h.mu.Unlock()
	return relay.Result{}
}

func (h *gateHandler) count(op int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[op]
}

func TestSlowOperatorDoesNotStallOthers(t *testing.T) {
	h := newGateHandler(1)
	r := New(logx.Nop(), &fakeAdapter{}, h, Options{QueueSize: 4})

	updates := make(chan kit.Update, 16)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(context.Background(), updates) }()

	updates <- textUpdate(1, "broadcast")
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("operator 1 was never handled")
	}
	updates <- textUpdate(1, "queued behind broadcast")
	for _, op := range []int64{5, 2, 9} {
		updates <- textUpdate(op, "hello")
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, op := range []int64{5, 2, 9} {
		for h.count(op) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("operator %d stalled while operator 1 is busy", op)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if n := h.count(1); n != 0 {
		t.Fatalf("operator 1 finished %d inputs while blocked", n)
	}

	close(h.release)
	close(updates)
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	if n := h.count(1); n != 2 {
		t.Fatalf("operator 1 handled %d inputs, want 2", n)
	}
}

func TestLanesRetireWhenIdle(t *testing.T) {
	h := &echoHandler{}
	r := New(logx.Nop(), &fakeAdapter{}, h, Options{})

	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- textUpdate(3, "a")
	updates <- textUpdate(4, "b")

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.seen[3]) + len(h.seen[4])
		h.mu.Unlock()
		if n == 2 && r.activeLanes() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled=%d active lanes=%d", n, r.activeLanes())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
}

func TestDispatchLoopKeepsOperatorOrder(t *testing.T) {
	ad := &fakeAdapter{}
	h := &echoHandler{}
	r := New(logx.Nop(), ad, h, Options{QueueSize: 128})

	updates := make(chan kit.Update, 128)
	const perOp = 20
	for i := range perOp {
		for _, op := range []int64{11, 12, 13} {
			updates <- textUpdate(op, fmt.Sprintf("m%d", i))
		}
	}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", FromID: 11, ChatID: 11, Data: "relay:confirm:yes"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb2", FromID: 11, ChatID: 11, Data: "junk"}}
	close(updates)

	if err := r.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, op := range []int64{11, 12, 13} {
		got := h.seen[op]
		if op == 11 && len(got) == perOp+1 {
			got = got[:perOp]
		}
		if len(got) != perOp {
			t.Fatalf("op %d saw %d inputs", op, len(got))
		}
		for i, s := range got {
			if want := fmt.Sprintf("m%d", i); s != want {
				t.Fatalf("op %d input %d = %q, want %q", op, i, s, want)
			}
		}
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sent) != 3*perOp+1 {
		t.Fatalf("sent %d replies, want %d", len(ad.sent), 3*perOp+1)
	}
	if len(ad.answered) != 2 {
		t.Fatalf("answered callbacks = %v", ad.answered)
	}
}

func TestHandlePanicIsRecovered(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, panicHandler{}, Options{})
	updates := make(chan kit.Update, 2)
	updates <- textUpdate(5, "boom")
	updates <- textUpdate(5, "again")
	close(updates)
	if err := r.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.sent) != 0 {
		t.Fatalf("panicking handler must not reply: %+v", ad.sent)
	}
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, relay.Input) relay.Result { panic("boom") }
