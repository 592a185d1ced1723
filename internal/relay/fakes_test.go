package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// fakeTransport validates every handle unless listed in missing/noRights and
// records redeliveries. Pairs listed in fail are rejected.
type fakeTransport struct {
	mu       sync.Mutex
	missing  map[string]bool
	noRights map[string]bool
	fail     map[string]bool // "handle" or "handle#msgID"
	calls    []string
	resolves int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{missing: map[string]bool{}, noRights: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakeTransport) ResolveChat(_ context.Context, handle string) (transport.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.missing[handle] {
		return transport.ChatInfo{}, transport.ErrChatNotFound
	}
	return transport.ChatInfo{Title: "Title " + handle, Username: handle}, nil
}

func (f *fakeTransport) HasDeliveryRights(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noRights[handle], nil
}

func (f *fakeTransport) Redeliver(_ context.Context, handle string, src transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := handle + "#" + itoa(src.MessageID)
	f.calls = append(f.calls, key)
	if f.fail[handle] || f.fail[key] {
		return errors.New("forbidden: bot was kicked")
	}
	return nil
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func itoa(n int) string { return operatorKey(int64(n)) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore wraps a Store and fails every write while broken is set.
type failingStore struct {
	storage.Store
	mu     sync.Mutex
	broken bool
}

func (s *failingStore) setBroken(v bool) {
	s.mu.Lock()
	s.broken = v
	s.mu.Unlock()
}

func (s *failingStore) Update(ctx context.Context, c storage.Collection, fn func(storage.Mapping) error) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return &storage.Error{Op: "update", Collection: c, Err: errors.New("disk full")}
	}
	return s.Store.Update(ctx, c, fn)
}

const (
	testOwner int64 = 1001
	testAdmin int64 = 2002
	testStray int64 = 1002
)

type harness struct {
	m     *Machine
	store *failingStore
	tr    *fakeTransport
	clock *fakeClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T, mut func(*Options)) *harness {
	t.Helper()
	st := &failingStore{Store: storage.NewMemory(logx.Nop())}
	tr := newFakeTransport()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	opt := DefaultOptions()
	opt.ConfirmMutations = false
	if mut != nil {
		mut(&opt)
	}

	admins := NewAdminStore(st, logx.Nop())
	reg := NewRegistry(st, tr, opt.ChannelLimit, logx.Nop())
	bus := eventbus.New()
	m := NewMachine(Deps{
		Guard:      NewGuard(testOwner, admins),
		Admins:     admins,
		Registry:   reg,
		Staging:    NewStaging(st, opt.MaxStaged, logx.Nop()),
		Dispatcher: NewDispatcher(reg, tr, logx.Nop()),
		Audit:      st,
		Bus:        bus,
		Now:        clock.Now,
	}, opt)

	if err := admins.Add(context.Background(), testAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return &harness{m: m, store: st, tr: tr, clock: clock, bus: bus}
}

func (h *harness) intent(t *testing.T, op int64, i Intent) Result {
	t.Helper()
	return h.m.Handle(context.Background(), Input{Operator: op, Kind: InputIntent, Intent: i, At: h.clock.Now()})
}

func (h *harness) text(t *testing.T, op int64, s string) Result {
	t.Helper()
	return h.m.Handle(context.Background(), Input{Operator: op, Kind: InputText, Text: s, At: h.clock.Now()})
}

func (h *harness) content(t *testing.T, op int64, msgID int) Result {
	t.Helper()
	return h.m.Handle(context.Background(), Input{
		Operator: op,
		Kind:     InputContent,
		Source:   StagedMessage{ChatID: op, MessageID: msgID},
		At:       h.clock.Now(),
	})
}

// snapshot returns the encoded content of every collection.
func (h *harness) snapshot(t *testing.T) map[storage.Collection]string {
	t.Helper()
	out := map[storage.Collection]string{}
	for _, c := range storage.Collections() {
		m, err := h.store.Read(context.Background(), c)
		if err != nil {
			t.Fatalf("read %s: %v", c, err)
		}
		b, _ := encodeForCompare(m)
		out[c] = b
	}
	return out
}

func (h *harness) addChannel(t *testing.T, op int64, handle string) {
	t.Helper()
	h.intent(t, op, IntentAddChannel)
	if res := h.text(t, op, handle); res.Err != nil {
		t.Fatalf("add channel %s: %v", handle, res.Err)
	}
}

// encodeForCompare renders a mapping deterministically (json sorts map keys).
func encodeForCompare(m storage.Mapping) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}
