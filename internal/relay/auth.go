package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// AdminStore manages the admins collection ({"<id>": true}).
type AdminStore struct {
	store storage.Store
	log   logx.Logger
}

func NewAdminStore(st storage.Store, log logx.Logger) *AdminStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AdminStore{store: st, log: log.With(logx.String("comp", "relay.admins"))}
}

func isMember(raw json.RawMessage) bool {
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		// Older layouts stored arbitrary values; presence means membership.
		return len(raw) > 0
	}
	return v
}

func (a *AdminStore) IsAdmin(ctx context.Context, id int64) (bool, error) {
	m, err := a.store.Read(ctx, storage.CollectionAdmins)
	if err != nil {
		return false, storageFailure(err)
	}
	raw, ok := m[operatorKey(id)]
	return ok && isMember(raw), nil
}

// List returns admin ids in ascending order.
func (a *AdminStore) List(ctx context.Context) ([]int64, error) {
	m, err := a.store.Read(ctx, storage.CollectionAdmins)
	if err != nil {
		return nil, storageFailure(err)
	}
	out := make([]int64, 0, len(m))
	for k, raw := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || !isMember(raw) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Add grants admin membership. Adding an existing admin returns ErrDuplicate.
func (a *AdminStore) Add(ctx context.Context, id int64) error {
	err := a.store.Update(ctx, storage.CollectionAdmins, func(m storage.Mapping) error {
		key := operatorKey(id)
		if raw, ok := m[key]; ok && isMember(raw) {
			return fmt.Errorf("user %d is already an admin: %w", id, ErrDuplicate)
		}
		m[key] = json.RawMessage(`true`)
		return nil
	})
	return storageFailure(err)
}

// Remove revokes admin membership. Removing a non-admin returns ErrNotFound.
func (a *AdminStore) Remove(ctx context.Context, id int64) error {
	err := a.store.Update(ctx, storage.CollectionAdmins, func(m storage.Mapping) error {
		key := operatorKey(id)
		if raw, ok := m[key]; !ok || !isMember(raw) {
			return fmt.Errorf("user %d is not an admin: %w", id, ErrNotFound)
		}
		delete(m, key)
		return nil
	})
	return storageFailure(err)
}

// Guard resolves operator identities to roles. The owner is fixed at
// construction and never changes.
type Guard struct {
	owner  int64
	admins *AdminStore
}

func NewGuard(owner int64, admins *AdminStore) *Guard {
	return &Guard{owner: owner, admins: admins}
}

func (g *Guard) Owner() int64 { return g.owner }

func (g *Guard) Resolve(ctx context.Context, op int64) (Role, error) {
	if op != 0 && op == g.owner {
		return RoleOwner, nil
	}
	if g.admins == nil {
		return RoleUnauthorized, nil
	}
	ok, err := g.admins.IsAdmin(ctx, op)
	if err != nil {
		return RoleUnauthorized, err
	}
	if ok {
		return RoleAdmin, nil
	}
	return RoleUnauthorized, nil
}

// Require resolves op and fails with ErrAuthorizationDenied below min.
func (g *Guard) Require(ctx context.Context, op int64, min Role) (Role, error) {
	role, err := g.Resolve(ctx, op)
	if err != nil {
		return role, err
	}
	if role < min {
		return role, ErrAuthorizationDenied
	}
	return role, nil
}
