package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
)

const testOwner = 1001

type fakeAdapter struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []kit.ChatTarget
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }
func (f *fakeAdapter) ResolveChat(context.Context, string) (kit.ChatInfo, error) {
	return kit.ChatInfo{}, kit.ErrChatNotFound
}
func (f *fakeAdapter) HasDeliveryRights(context.Context, string) (bool, error) { return false, nil }
func (f *fakeAdapter) DeliverText(context.Context, string, string) error       { return nil }
func (f *fakeAdapter) Redeliver(context.Context, string, kit.MessageRef) error { return nil }

func (f *fakeAdapter) sentTo(chat int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.ChatID == chat {
			n++
		}
	}
	return n
}

func writeConfig(t *testing.T, dir, extra string) *config.ConfigManager {
	t.Helper()
	body := `{
  "telegram": {"token": "test-token", "owner_user_id": 1001},
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "memory", "lock_path": "` + filepath.ToSlash(filepath.Join(dir, "relaybot.lock")) + `"}` + extra + `
}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.NewConfigManager(path)
}

func buildTestApp(t *testing.T, dir, extra string) (*App, *fakeAdapter) {
	t.Helper()
	cfgm := writeConfig(t, dir, extra)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ad := &fakeAdapter{}
	a, err := build(cfgm, cfg, ad)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a, ad
}

func TestAppRepliesToOwner(t *testing.T) {
	a, ad := buildTestApp(t, t.TempDir(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	ad.mu.Lock()
	out := ad.out
	ad.mu.Unlock()
	if out == nil {
		t.Fatal("adapter was not started")
	}
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: testOwner, FromID: testOwner, Text: "/start"}}

	deadline := time.Now().Add(3 * time.Second)
	for ad.sentTo(testOwner) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply sent to owner")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildRejectsSecondInstance(t *testing.T) {
	dir := t.TempDir()
	first, _ := buildTestApp(t, dir, "")
	defer func() {
		_ = first.store.Close()
		_ = first.lock.Release()
	}()

	cfgm := writeConfig(t, dir, "")
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := build(cfgm, cfg, &fakeAdapter{}); !errors.Is(err, storage.ErrAlreadyRunning) {
		t.Fatalf("second build: expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRegisterMaintenance(t *testing.T) {
	a, _ := buildTestApp(t, t.TempDir(), `,
  "scheduler": {"maintenance": "@every 5m", "audit_retention": "0s"}`)
	defer func() {
		_ = a.store.Close()
		_ = a.lock.Release()
	}()

	names := map[string]string{}
	for _, s := range a.sched.Snapshot() {
		names[s.Name] = s.Spec
	}
	if names[jobRelayMaintenance] != "@every 5m" {
		t.Fatalf("maintenance spec: got %q", names[jobRelayMaintenance])
	}
	if _, ok := names[jobAuditCompact]; ok {
		t.Fatal("audit compaction should be off when retention is 0")
	}

	cfg := a.cfgm.Get()
	cfg.Scheduler.AuditRetention = "24h"
	if err := a.registerMaintenance(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	found := false
	for _, s := range a.sched.Snapshot() {
		found = found || s.Name == jobAuditCompact
	}
	if !found {
		t.Fatal("audit compaction not registered")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		lock    string
		wantErr string
	}{
		{name: "default file", in: config.StorageConfig{}, driver: "file", lock: defaultStoragePath + ".lock"},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: "/var/lib/relay.db"}, driver: "sqlite", lock: "/var/lib/relay.db.lock"},
		{name: "sqlite needs path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path"},
		{name: "memory", in: config.StorageConfig{Driver: "memory"}, driver: "memory", lock: "./relaybot.lock"},
		{name: "explicit lock", in: config.StorageConfig{Driver: "file", Path: "data/", LockPath: "/run/relay.lock"}, driver: "file", lock: "/run/relay.lock"},
		{name: "unknown", in: config.StorageConfig{Driver: "redis"}, wantErr: "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{Storage: tc.in}
			sc, err := mapStorageConfig(cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Driver != tc.driver {
				t.Fatalf("driver: got %q want %q", sc.Driver, tc.driver)
			}
			if got := lockPath(cfg, sc); got != tc.lock {
				t.Fatalf("lock: got %q want %q", got, tc.lock)
			}
		})
	}
}
