package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled       = errors.New("storage disabled")
	ErrClosed         = errors.New("storage closed")
	ErrAlreadyRunning = errors.New("another instance is already running")

	errUnknownCollection = errors.New("unknown collection")
)

// Collection names one independently keyed mapping.
type Collection string

const (
	CollectionAdmins   Collection = "admins"
	CollectionChannels Collection = "channels"
	CollectionStaged   Collection = "staged"
)

// Collections lists every collection the relay persists.
func Collections() []Collection {
	return []Collection{CollectionAdmins, CollectionChannels, CollectionStaged}
}

func (c Collection) Valid() bool {
	switch c {
	case CollectionAdmins, CollectionChannels, CollectionStaged:
		return true
	}
	return false
}

// Mapping is one decoded collection. Values stay raw so each caller owns its schema.
type Mapping map[string]json.RawMessage

// Clone returns a deep copy of m (never nil).
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document per collection under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "memory": process-local, lost on exit
//
// If Driver is empty the file driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Error reports a failed persistence operation.
type Error struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, c Collection, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Collection: c, Err: err}
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID            string    `json:"id,omitempty"`
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}
