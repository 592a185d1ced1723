package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

func TestStagingPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStaging(storage.NewMemory(logx.Nop()), 0, logx.Nop())
	for i := 1; i <= 4; i++ {
		n, err := s.Append(ctx, testOwner, StagedMessage{ChatID: testOwner, MessageID: i * 10})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if n != i {
			t.Fatalf("len = %d, want %d", n, i)
		}
	}
	got, err := s.Snapshot(ctx, testOwner)
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range got {
		if m.MessageID != (i+1)*10 {
			t.Fatalf("order broken at %d: %+v", i, got)
		}
	}
	// Snapshot does not drain.
	again, _ := s.Snapshot(ctx, testOwner)
	if len(again) != 4 {
		t.Fatalf("snapshot drained buffer: %v", again)
	}

	n, err := s.Clear(ctx, testOwner)
	if err != nil || n != 4 {
		t.Fatalf("Clear = %d, %v", n, err)
	}
	if got, _ := s.Snapshot(ctx, testOwner); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %v", got)
	}
}

func TestStagingBound(t *testing.T) {
	ctx := context.Background()
	s := NewStaging(storage.NewMemory(logx.Nop()), 2, logx.Nop())
	for i := 0; i < 2; i++ {
		if _, err := s.Append(ctx, testOwner, StagedMessage{MessageID: i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Append(ctx, testOwner, StagedMessage{MessageID: 9}); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
	got, _ := s.Snapshot(ctx, testOwner)
	if len(got) != 2 {
		t.Fatalf("bound violated: %v", got)
	}
}

func TestStagingWriteFailureIsStorageError(t *testing.T) {
	st := &failingStore{Store: storage.NewMemory(logx.Nop())}
	st.setBroken(true)
	s := NewStaging(st, 0, logx.Nop())
	_, err := s.Append(context.Background(), testOwner, StagedMessage{MessageID: 1})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *storage.Error in chain: %v", err)
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Minute)

	if err := c.CheckAndRecord(testOwner, now); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := c.CheckAndRecord(testOwner, now.Add(20*time.Second))
	var ce *CooldownError
	if !errors.As(err, &ce) || !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("second err = %v, want CooldownError", err)
	}
	if ce.Remaining != 40*time.Second {
		t.Fatalf("remaining = %v, want 40s", ce.Remaining)
	}
	// A rejected attempt does not extend the window.
	if err := c.CheckAndRecord(testOwner, now.Add(time.Minute)); err != nil {
		t.Fatalf("after window: %v", err)
	}
	// Other operators are independent.
	if err := c.CheckAndRecord(testAdmin, now.Add(time.Minute)); err != nil {
		t.Fatalf("other operator: %v", err)
	}
}

func TestCooldownRemainingAndPrune(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Minute)
	if rem := c.Remaining(testOwner, now); rem != 0 {
		t.Fatalf("remaining before any broadcast = %v", rem)
	}
	_ = c.CheckAndRecord(testOwner, now)
	if rem := c.Remaining(testOwner, now.Add(15*time.Second)); rem != 45*time.Second {
		t.Fatalf("remaining = %v", rem)
	}
	if n := c.Prune(now.Add(30 * time.Second)); n != 0 {
		t.Fatalf("pruned live entry: %d", n)
	}
	if n := c.Prune(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	c.SetWindow(0)
	_ = c.CheckAndRecord(testOwner, now)
	if err := c.CheckAndRecord(testOwner, now); err != nil {
		t.Fatalf("disabled cooldown rejected: %v", err)
	}
}
