package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// memoryStore is a process-local Store. Collections are kept encoded so
// callers can never alias stored state.
type memoryStore struct {
	log   logx.Logger
	locks map[Collection]*sync.Mutex

	mu    sync.RWMutex
	data  map[Collection][]byte
	audit []AuditEntry

	closed bool
}

// NewMemory returns an in-memory Store. Useful for tests and ephemeral runs.
func NewMemory(log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	locks := make(map[Collection]*sync.Mutex, 3)
	for _, c := range Collections() {
		locks[c] = &sync.Mutex{}
	}
	return &memoryStore{log: log, locks: locks, data: map[Collection][]byte{}}
}

func (s *memoryStore) collLock(op string, c Collection) (*sync.Mutex, error) {
	mu, ok := s.locks[c]
	if !ok {
		return nil, &Error{Op: op, Collection: c, Err: errUnknownCollection}
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, &Error{Op: op, Collection: c, Err: ErrClosed}
	}
	return mu, nil
}

func (s *memoryStore) get(c Collection) Mapping {
	s.mu.RLock()
	b := s.data[c]
	s.mu.RUnlock()
	return decodeMapping(b, c, s.log)
}

func (s *memoryStore) put(c Collection, m Mapping) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[c] = b
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Read(_ context.Context, c Collection) (Mapping, error) {
	mu, err := s.collLock("read", c)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.get(c), nil
}

func (s *memoryStore) Write(ctx context.Context, c Collection, m Mapping) error {
	mu, err := s.collLock("write", c)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		return wrapErr("write", c, err)
	}
	return wrapErr("write", c, s.put(c, m))
}

func (s *memoryStore) Update(ctx context.Context, c Collection, fn func(Mapping) error) error {
	mu, err := s.collLock("update", c)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	m := s.get(c)
	if err := fn(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("update", c, err)
	}
	return wrapErr("update", c, s.put(c, m))
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapErr("audit", "", ErrClosed)
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) CompactAudit(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	removed := 0
	for _, e := range s.audit {
		if e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
