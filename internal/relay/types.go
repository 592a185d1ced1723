package relay

import (
	"encoding/json"
	"strconv"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type Role int

const (
	RoleUnauthorized Role = iota
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	default:
		return "unauthorized"
	}
}

// Channel is one registered delivery target. Handle is normalized
// (see NormalizeHandle); Title is a best-effort label.
type Channel struct {
	Handle string `json:"handle"`
	Title  string `json:"title,omitempty"`
}

// UnmarshalJSON also accepts a bare handle string, the layout of channel
// lists written by the earlier single-file bot.
func (c *Channel) UnmarshalJSON(b []byte) error {
	var handle string
	if err := json.Unmarshal(b, &handle); err == nil {
		h, err := NormalizeHandle(handle)
		if err != nil {
			return err
		}
		*c = Channel{Handle: h, Title: DisplayHandle(h)}
		return nil
	}
	type stored Channel
	var v stored
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Channel(v)
	return nil
}

// Label renders the channel for operator replies.
func (c Channel) Label() string {
	h := DisplayHandle(c.Handle)
	if c.Title == "" || c.Title == h {
		return h
	}
	return c.Title + " (" + h + ")"
}

// StagedMessage references previously received content by its source chat
// and message id. The content itself is never copied.
type StagedMessage struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func operatorKey(op int64) string { return strconv.FormatInt(op, 10) }

// decodeList decodes one operator's entry. Malformed entries read as empty.
func decodeList[T any](m storage.Mapping, key string, log logx.Logger) []T {
	raw, ok := m[key]
	if !ok || len(raw) == 0 {
		return nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn("malformed entry; treating as empty", logx.String("key", key), logx.Err(err))
		return nil
	}
	return out
}

func encodeList[T any](m storage.Mapping, key string, list []T) error {
	if len(list) == 0 {
		delete(m, key)
		return nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	m[key] = b
	return nil
}

// Options are the live-tunable relay knobs.
type Options struct {
	ChannelLimit        int
	MaxStaged           int
	BroadcastCooldown   time.Duration
	SessionTTL          time.Duration
	ConfirmMutations    bool
	ClearAfterBroadcast bool
	DeliveryRatePerSec  float64
	BroadcastTimeout    time.Duration
}

// DefaultOptions mirrors the documented config defaults.
func DefaultOptions() Options {
	return Options{
		ChannelLimit:      5,
		BroadcastCooldown: 60 * time.Second,
		ConfirmMutations:  true,
		BroadcastTimeout:  10 * time.Minute,
	}
}
