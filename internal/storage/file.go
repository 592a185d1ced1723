package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore keeps each collection in its own JSON document.
//
// Files (under the configured directory):
//   - <collection>.json  (whole-document snapshot, replaced atomically)
//   - audit.jsonl        (append-only JSON Lines)
//
// Snapshots are written to a temp file, fsynced, then renamed over the
// previous version, so a crash leaves either the old or the new document.
type fileStore struct {
	log logx.Logger
	dir string

	locks map[Collection]*sync.Mutex

	auditMu   sync.Mutex
	auditPath string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("open", "", err)
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}

	locks := make(map[Collection]*sync.Mutex, 3)
	for _, c := range Collections() {
		locks[c] = &sync.Mutex{}
	}
	return &fileStore{
		log:       log,
		dir:       dir,
		locks:     locks,
		auditPath: auditPath,
		auditFile: af,
	}, nil
}

func (s *fileStore) path(c Collection) string {
	return filepath.Join(s.dir, string(c)+".json")
}

func (s *fileStore) lock(c Collection) (*sync.Mutex, error) {
	mu, ok := s.locks[c]
	if !ok {
		return nil, &Error{Op: "lock", Collection: c, Err: errUnknownCollection}
	}
	return mu, nil
}

func (s *fileStore) Read(ctx context.Context, c Collection) (Mapping, error) {
	mu, err := s.lock(c)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	m, err := s.readLocked(ctx, c)
	if err != nil {
		s.log.Warn("collection unreadable; treating as empty", logx.String("collection", string(c)), logx.Err(err))
		return Mapping{}, nil
	}
	return m, nil
}

func (s *fileStore) Write(ctx context.Context, c Collection, m Mapping) error {
	mu, err := s.lock(c)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.writeLocked(ctx, c, m)
}

func (s *fileStore) Update(ctx context.Context, c Collection, fn func(Mapping) error) error {
	mu, err := s.lock(c)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	// An unreadable document must not be replaced by fn(empty).
	m, err := s.readLocked(ctx, c)
	if err != nil {
		return wrapErr("update", c, err)
	}
	if err := fn(m); err != nil {
		return err
	}
	return s.writeLocked(ctx, c, m)
}

// readLocked reads a missing or malformed document as empty. Any other
// read failure is returned.
func (s *fileStore) readLocked(_ context.Context, c Collection) (Mapping, error) {
	b, err := os.ReadFile(s.path(c))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Mapping{}, nil
	case err != nil:
		return nil, err
	}
	return decodeMapping(b, c, s.log), nil
}

func (s *fileStore) writeLocked(ctx context.Context, c Collection, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("write", c, err)
	}
	b, err := encodeMapping(m)
	if err != nil {
		return wrapErr("write", c, err)
	}
	if err := writeFileAtomic(s.path(c), b); err != nil {
		return wrapErr("write", c, err)
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return wrapErr("audit", "", ErrClosed)
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return wrapErr("audit", "", err)
	}
	return nil
}

func (s *fileStore) CompactAudit(_ context.Context, before time.Time) (int, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return 0, wrapErr("compact", "", ErrClosed)
	}

	f, err := os.Open(s.auditPath)
	if err != nil {
		return 0, wrapErr("compact", "", err)
	}
	var (
		kept    bytes.Buffer
		removed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil || e.At.Before(before) {
			removed++
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	scanErr := sc.Err()
	_ = f.Close()
	if scanErr != nil {
		return 0, wrapErr("compact", "", scanErr)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := writeFileAtomic(s.auditPath, kept.Bytes()); err != nil {
		return 0, wrapErr("compact", "", err)
	}
	// The old descriptor points at the replaced inode.
	_ = s.auditFile.Close()
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		return removed, wrapErr("compact", "", err)
	}
	s.auditFile = af
	return removed, nil
}

func (s *fileStore) Close() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	// Best-effort: persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func encodeMapping(m Mapping) ([]byte, error) {
	if m == nil {
		m = Mapping{}
	}
	return json.MarshalIndent(m, "", "  ")
}

func decodeMapping(b []byte, c Collection, log logx.Logger) Mapping {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Mapping{}
	}
	var m Mapping
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		log.Warn("collection malformed; treating as empty", logx.String("collection", string(c)), logx.Err(err))
		return Mapping{}
	}
	return m
}
