package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Staging is the per-operator ordered buffer of content references.
// It is bounded only when a positive max is configured.
type Staging struct {
	store storage.Store
	log   logx.Logger

	max atomic.Int64
}

func NewStaging(st storage.Store, maxStaged int, log logx.Logger) *Staging {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Staging{store: st, log: log.With(logx.String("comp", "relay.staging"))}
	s.SetMax(maxStaged)
	return s
}

// SetMax bounds the buffer; 0 means unbounded.
func (s *Staging) SetMax(n int) {
	if n < 0 {
		n = 0
	}
	s.max.Store(int64(n))
}

// Append adds msg at the end and returns the new buffer length.
func (s *Staging) Append(ctx context.Context, op int64, msg StagedMessage) (int, error) {
	key := operatorKey(op)
	bound := int(s.max.Load())
	n := 0
	err := s.store.Update(ctx, storage.CollectionStaged, func(m storage.Mapping) error {
		list := decodeList[StagedMessage](m, key, s.log)
		if bound > 0 && len(list) >= bound {
			return fmt.Errorf("%d of %d messages are already staged: %w", len(list), bound, ErrLimitExceeded)
		}
		list = append(list, msg)
		n = len(list)
		return encodeList(m, key, list)
	})
	if err != nil {
		return 0, storageFailure(err)
	}
	return n, nil
}

// Snapshot returns op's staged messages in arrival order without draining them.
func (s *Staging) Snapshot(ctx context.Context, op int64) ([]StagedMessage, error) {
	m, err := s.store.Read(ctx, storage.CollectionStaged)
	if err != nil {
		return nil, storageFailure(err)
	}
	return decodeList[StagedMessage](m, operatorKey(op), s.log), nil
}

// Clear drops op's buffer and reports how many messages it held.
func (s *Staging) Clear(ctx context.Context, op int64) (int, error) {
	key := operatorKey(op)
	n := 0
	err := s.store.Update(ctx, storage.CollectionStaged, func(m storage.Mapping) error {
		n = len(decodeList[StagedMessage](m, key, s.log))
		delete(m, key)
		return nil
	})
	if err != nil {
		return 0, storageFailure(err)
	}
	return n, nil
}
