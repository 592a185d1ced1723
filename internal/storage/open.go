package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Store is the persistence API used by the relay.
//
// Update runs fn inside a critical section scoped to one collection: the
// mapping passed to fn is the current content, and whatever fn leaves in it
// is written back atomically when fn returns nil. Callers never hold their
// own read-then-write sequences.
type Store interface {
	Read(ctx context.Context, c Collection) (Mapping, error)
	Write(ctx context.Context, c Collection, m Mapping) error
	Update(ctx context.Context, c Collection, fn func(Mapping) error) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// CompactAudit drops audit entries older than before and reports how many were removed.
	CompactAudit(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(log), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
