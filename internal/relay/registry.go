package relay

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// ChatValidator confirms a handle points at a reachable chat where the bot may post.
type ChatValidator interface {
	ResolveChat(ctx context.Context, handle string) (transport.ChatInfo, error)
	HasDeliveryRights(ctx context.Context, handle string) (bool, error)
}

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{3,31}$`)

// NormalizeHandle canonicalizes a channel handle: surrounding space, a
// leading '@' and t.me link prefixes are stripped and usernames lower-cased.
// Numeric chat ids are kept verbatim.
func NormalizeHandle(raw string) (string, error) {
	h := strings.TrimSpace(raw)
	for _, p := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if len(h) > len(p) && strings.EqualFold(h[:len(p)], p) {
			h = h[len(p):]
			break
		}
	}
	h = strings.TrimPrefix(h, "@")
	if h == "" {
		return "", invalid("empty channel handle")
	}
	if _, err := strconv.ParseInt(h, 10, 64); err == nil {
		return h, nil
	}
	h = strings.ToLower(h)
	if !usernameRe.MatchString(h) {
		return "", invalid(fmt.Sprintf("%q is not a valid channel username or id", strings.TrimSpace(raw)))
	}
	return h, nil
}

// DisplayHandle renders a normalized handle the way operators type it.
func DisplayHandle(h string) string {
	if _, err := strconv.ParseInt(h, 10, 64); err == nil {
		return h
	}
	return "@" + h
}

// Registry is the per-operator bounded channel collection.
type Registry struct {
	store     storage.Store
	validator ChatValidator
	log       logx.Logger

	limit atomic.Int64
}

func NewRegistry(st storage.Store, v ChatValidator, limit int, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{store: st, validator: v, log: log.With(logx.String("comp", "relay.registry"))}
	r.SetLimit(limit)
	return r
}

// SetLimit updates the per-operator bound. Values <= 0 fall back to 5.
func (r *Registry) SetLimit(n int) {
	if n <= 0 {
		n = 5
	}
	r.limit.Store(int64(n))
}

func (r *Registry) Limit() int { return int(r.limit.Load()) }

// List returns op's channels in registration order.
func (r *Registry) List(ctx context.Context, op int64) ([]Channel, error) {
	m, err := r.store.Read(ctx, storage.CollectionChannels)
	if err != nil {
		return nil, storageFailure(err)
	}
	return decodeList[Channel](m, operatorKey(op), r.log), nil
}

// Find returns the registered channel matching raw.
func (r *Registry) Find(ctx context.Context, op int64, raw string) (Channel, error) {
	h, err := NormalizeHandle(raw)
	if err != nil {
		return Channel{}, err
	}
	list, err := r.List(ctx, op)
	if err != nil {
		return Channel{}, err
	}
	for _, c := range list {
		if c.Handle == h {
			return c, nil
		}
	}
	return Channel{}, fmt.Errorf("channel %s is not registered: %w", DisplayHandle(h), ErrNotFound)
}

// Validate performs every check Add does without mutating the registry:
// bound, duplicate, then the external existence and delivery-rights check.
func (r *Registry) Validate(ctx context.Context, op int64, raw string) (Channel, error) {
	h, err := NormalizeHandle(raw)
	if err != nil {
		return Channel{}, err
	}
	list, err := r.List(ctx, op)
	if err != nil {
		return Channel{}, err
	}
	if err := checkAddable(list, h, r.Limit()); err != nil {
		return Channel{}, err
	}

	ch := Channel{Handle: h, Title: DisplayHandle(h)}
	if r.validator == nil {
		return ch, nil
	}
	info, err := r.validator.ResolveChat(ctx, h)
	if err != nil {
		return Channel{}, &ValidationError{Reason: "channel " + DisplayHandle(h) + " could not be found", Err: err}
	}
	ok, err := r.validator.HasDeliveryRights(ctx, h)
	if err != nil {
		return Channel{}, &ValidationError{Reason: "could not check posting rights in " + DisplayHandle(h), Err: err}
	}
	if !ok {
		return Channel{}, invalid("the bot is not an admin with posting rights in " + DisplayHandle(h))
	}
	if t := strings.TrimSpace(info.Title); t != "" {
		ch.Title = t
	}
	return ch, nil
}

// Commit appends a validated channel. Bound and uniqueness are re-checked
// inside the collection critical section.
func (r *Registry) Commit(ctx context.Context, op int64, ch Channel) error {
	key := operatorKey(op)
	err := r.store.Update(ctx, storage.CollectionChannels, func(m storage.Mapping) error {
		list := decodeList[Channel](m, key, r.log)
		if err := checkAddable(list, ch.Handle, r.Limit()); err != nil {
			return err
		}
		return encodeList(m, key, append(list, ch))
	})
	return storageFailure(err)
}

// Add validates and registers raw for op.
func (r *Registry) Add(ctx context.Context, op int64, raw string) (Channel, error) {
	ch, err := r.Validate(ctx, op, raw)
	if err != nil {
		return Channel{}, err
	}
	if err := r.Commit(ctx, op, ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Remove deregisters raw for op.
func (r *Registry) Remove(ctx context.Context, op int64, raw string) error {
	h, err := NormalizeHandle(raw)
	if err != nil {
		return err
	}
	key := operatorKey(op)
	err = r.store.Update(ctx, storage.CollectionChannels, func(m storage.Mapping) error {
		list := decodeList[Channel](m, key, r.log)
		for i, c := range list {
			if c.Handle == h {
				return encodeList(m, key, append(list[:i:i], list[i+1:]...))
			}
		}
		return fmt.Errorf("channel %s is not registered: %w", DisplayHandle(h), ErrNotFound)
	})
	return storageFailure(err)
}

// OperatorChannels is one row of the owner overview.
type OperatorChannels struct {
	Operator int64
	Channels []Channel
}

// Overview lists every operator with at least one channel, by ascending id.
func (r *Registry) Overview(ctx context.Context) ([]OperatorChannels, error) {
	m, err := r.store.Read(ctx, storage.CollectionChannels)
	if err != nil {
		return nil, storageFailure(err)
	}
	out := make([]OperatorChannels, 0, len(m))
	for k := range m {
		op, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		list := decodeList[Channel](m, k, r.log)
		if len(list) == 0 {
			continue
		}
		out = append(out, OperatorChannels{Operator: op, Channels: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operator < out[j].Operator })
	return out, nil
}

func checkAddable(list []Channel, h string, limit int) error {
	if len(list) >= limit {
		return fmt.Errorf("you already have %d of %d channels: %w", len(list), limit, ErrLimitExceeded)
	}
	for _, c := range list {
		if c.Handle == h {
			return fmt.Errorf("channel %s is already registered: %w", DisplayHandle(h), ErrDuplicate)
		}
	}
	return nil
}
