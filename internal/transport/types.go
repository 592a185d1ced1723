package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateContent  UpdateKind = "content"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is an inbound chat message. For UpdateContent it refers to a
// non-text or forwarded message that can be re-delivered by reference.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	Forwarded    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// ChatInfo is the subset of chat metadata the relay needs when validating a handle.
type ChatInfo struct {
	ID       int64
	Title    string
	Username string
	Type     string
}

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrNoRights     = errors.New("bot has no delivery rights in chat")
)

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Channel-facing operations. Handles are "@username" style aliases
	// (with or without the '@') or numeric chat ids.
	ResolveChat(ctx context.Context, handle string) (ChatInfo, error)
	HasDeliveryRights(ctx context.Context, handle string) (bool, error)
	DeliverText(ctx context.Context, handle string, text string) error
	Redeliver(ctx context.Context, handle string, src MessageRef) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
