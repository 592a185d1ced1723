package adapter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// recipient addresses a chat by "@username" or numeric id.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// recipientFor accepts "name", "@name" or a numeric chat id.
func recipientFor(handle string) recipient {
	h := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if _, err := strconv.ParseInt(h, 10, 64); err == nil {
		return recipient(h)
	}
	return recipient("@" + h)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

func (a *Adapter) ResolveChat(ctx context.Context, handle string) (kit.ChatInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.ChatInfo{}, err
	}
	chat, err := a.bot.ChatByUsername(string(recipientFor(handle)))
	switch {
	case errors.Is(err, tele.ErrChatNotFound):
		return kit.ChatInfo{}, fmt.Errorf("%w: %s", kit.ErrChatNotFound, handle)
	case err != nil:
		return kit.ChatInfo{}, err
	case chat.Type == tele.ChatPrivate:
		return kit.ChatInfo{}, fmt.Errorf("%w: %s is a private chat", kit.ErrChatNotFound, handle)
	}
	return kit.ChatInfo{ID: chat.ID, Title: chat.Title, Username: chat.Username, Type: string(chat.Type)}, nil
}

func (a *Adapter) HasDeliveryRights(ctx context.Context, handle string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	rec := recipientFor(handle)
	chat, err := a.bot.ChatByUsername(string(rec))
	if err != nil {
		return false, err
	}
	member, err := a.bot.ChatMemberOf(rec, a.bot.Me)
	if err != nil {
		return false, err
	}
	return canPost(chat.Type, member), nil
}

func canPost(t tele.ChatType, m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator:
		return true
	case tele.Administrator:
		// Channel admins need the explicit right; group admins can always post.
		return t != tele.ChatChannel || m.CanPostMessages
	case tele.Member:
		return t != tele.ChatChannel
	case tele.Restricted:
		return t != tele.ChatChannel && m.CanSendMessages
	default:
		return false
	}
}

func (a *Adapter) DeliverText(ctx context.Context, handle string, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(recipientFor(handle), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Redeliver copies src into handle without a "forwarded from" header.
func (a *Adapter) Redeliver(ctx context.Context, handle string, src kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := a.bot.Copy(recipientFor(handle), tele.StoredMessage{
		MessageID: strconv.Itoa(src.MessageID),
		ChatID:    src.ChatID,
	})
	return err
}

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes. A chunk ends
// at the last newline when that keeps it at least a third full; the newline
// itself is dropped.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rest := []rune(s)
	var out []string
	for len(rest) > limit {
		cut, skip := limit, 0
		for i := limit - 1; i > 0 && i >= limit/3; i-- {
			if rest[i] == '\n' {
				cut, skip = i, 1
				break
			}
		}
		if skip == 0 && rest[cut] == '\n' {
			skip = 1
		}
		out = append(out, string(rest[:cut]))
		rest = rest[cut+skip:]
	}
	return append(out, string(rest))
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	first := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}

	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// Markup rides on the first chunk only.
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil && i == 0 {
			so.ReplyMarkup = rm
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first.MessageID = msg.ID
		}
	}
	return first, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// UpdateMenuCommands calls setMyCommands when the list differs from the one
// last accepted by Telegram.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	want := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, want) {
		return nil
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := a.bot.SetCommands(want); err != nil {
		return fmt.Errorf("set menu commands: %w", err)
	}
	a.menu = want
	a.log.Info("menu commands updated", logx.Int("count", len(want)))
	return nil
}

// menuCommands applies Telegram's limits: at most 100 entries and
// descriptions of up to 256 bytes.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), 100))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if len(out) == 100 {
			break
		}
		desc := cmp.Or(c.Description, c.Command)
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, tele.Command{Text: c.Command, Description: desc})
	}
	return out
}
