package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the telebot-backed kit.Adapter. Inbound updates are mapped to
// kit.Update and pushed without blocking the poller.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	live *session

	dropped atomic.Uint64

	menuMu sync.Mutex
	menu   []tele.Command
}

// session is one Start..Stop run.
type session struct {
	out chan<- kit.Update
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Poller: &tele.LongPoller{Timeout: poll}})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram.adapter")), bot: bot}
	a.route()
	return a, nil
}

func (a *Adapter) route() {
	a.bot.Handle(tele.OnText, a.onMessage(kit.UpdateMessage))
	for _, ep := range []string{
		tele.OnMedia, tele.OnSticker, tele.OnLocation, tele.OnVenue,
		tele.OnContact, tele.OnPoll, tele.OnDice,
	} {
		a.bot.Handle(ep, a.onMessage(kit.UpdateContent))
	}
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		if up, ok := callbackUpdate(c.Callback(), c.Message()); ok {
			a.push(up)
		}
		return nil
	})
}

func (a *Adapter) onMessage(kind kit.UpdateKind) tele.HandlerFunc {
	return func(c tele.Context) error {
		up, ok := messageUpdate(c.Message())
		if !ok {
			return nil
		}
		if kind == kit.UpdateContent {
			up.Kind = kind
		}
		a.push(up)
		return nil
	}
}

// messageUpdate maps a telebot message. Forwarded messages are content
// regardless of their payload.
func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      !m.Private(),
		Forwarded:    m.IsForwarded(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	up := kit.Update{Kind: kit.UpdateMessage, Message: msg}
	if msg.Forwarded {
		up.Kind = kit.UpdateContent
	}
	return up, true
}

func callbackUpdate(cb *tele.Callback, m *tele.Message) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			FromID:    cb.Sender.ID,
			MessageID: m.ID,
			Data:      cb.Data,
		},
	}, true
}

func (a *Adapter) push(up kit.Update) {
	a.mu.Lock()
	s := a.live
	a.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live != nil {
		return nil
	}
	s := &session{out: out, sup: rtsup.New(ctx, rtsup.WithLogger(a.log))}
	a.live = s

	s.sup.Go0("telegram.drops", func(c context.Context) {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for done := false; !done; {
			select {
			case <-c.Done():
				done = true
			case <-tick.C:
			}
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("queue_cap", cap(out)))
			}
		}
	})
	// telebot's Start returns on Stop or on a poller failure; the latter is
	// restarted with backoff.
	s.sup.GoRestart0("telegram.poll", func(c context.Context) {
		stop := context.AfterFunc(c, a.bot.Stop)
		defer stop()
		if me := a.bot.Me; me != nil {
			a.log.Info("polling started", logx.String("bot", me.Username))
		}
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop cancels polling and waits up to two seconds for the long poll to
// unwind.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	s := a.live
	a.live = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	s.sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	switch err := s.sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)
