package relay

import (
	"sync"
	"time"
)

// Cooldown is the per-operator broadcast gate. State lives in memory only.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[int64]time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: map[int64]time.Time{}}
}

// SetWindow changes the cooldown length; 0 disables the gate.
func (c *Cooldown) SetWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.window = d
	c.mu.Unlock()
}

func (c *Cooldown) Window() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// CheckAndRecord admits a broadcast for op at now and records now as the
// last attempt. Inside the window it returns *CooldownError and records nothing.
func (c *Cooldown) CheckAndRecord(op int64, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rem := c.remainingLocked(op, now); rem > 0 {
		return &CooldownError{Remaining: rem}
	}
	c.last[op] = now
	return nil
}

// Remaining peeks at the wait left for op without recording anything.
func (c *Cooldown) Remaining(op int64, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(op, now)
}

func (c *Cooldown) remainingLocked(op int64, now time.Time) time.Duration {
	if c.window <= 0 {
		return 0
	}
	last, ok := c.last[op]
	if !ok {
		return 0
	}
	if rem := last.Add(c.window).Sub(now); rem > 0 {
		return rem
	}
	return 0
}

// Prune forgets operators whose window has elapsed and reports how many were dropped.
func (c *Cooldown) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for op, last := range c.last {
		if !last.Add(c.window).After(now) {
			delete(c.last, op)
			n++
		}
	}
	return n
}
