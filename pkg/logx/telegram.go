package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "relaybot/internal/transport"
)

// Sender is the part of the transport adapter the Telegram sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	telegramQueueSize = 256
	telegramMaxText   = 3500
	telegramMaxValue  = 600
)

// telegramSink forwards entries at or above a level to a log chat. Writes
// never block: entries beyond the rate or queue capacity are dropped.
type telegramSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	enabled  bool
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan string, telegramQueueSize), done: make(chan struct{})}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

// configure applies cfg and reports whether the sink should be attached.
func (t *telegramSink) configure(cfg TelegramConfig) bool {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.enabled = cfg.Enabled && t.sender != nil
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.target.ThreadID = cfg.ThreadID
	}
	enabled, chat := t.enabled, t.target.ChatID
	t.mu.Unlock()

	if !enabled {
		return false
	}
	if chat == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
	}
	t.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		go t.run(ctx)
	})
	return true
}

func (t *telegramSink) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.Lock()
			to := t.target
			t.mu.Unlock()
			if to.ChatID != 0 {
				_, _ = t.sender.SendText(ctx, to, msg, &kit.SendOptions{DisablePreview: true})
			}
		}
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	ok := t.enabled && t.target.ChatID != 0 && level >= t.minLevel && t.limiter.Allow()
	t.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatTelegramJSON(p); msg != "" {
		select {
		case t.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON renders a JSON log line as "[LEVEL] message" followed
// by one "- key=value" line per field, keys sorted.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), telegramMaxValue))
	}
	return clip(b.String(), telegramMaxText)
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
