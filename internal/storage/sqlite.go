package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// sqliteStore keeps each collection as one JSON document row and the audit
// log as a regular table. Every Update runs in its own transaction.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("open", "", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}
	// SQLite prefers a single writer; this also serializes Update transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrapErr("migrate", "", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) load(ctx context.Context, q queryer, c Collection) (Mapping, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM collections WHERE name = ?`, string(c)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMapping([]byte(data), c, s.log), nil
}

func (s *sqliteStore) Read(ctx context.Context, c Collection) (Mapping, error) {
	if !c.Valid() {
		return nil, &Error{Op: "read", Collection: c, Err: errUnknownCollection}
	}
	m, err := s.load(ctx, s.db, c)
	if err != nil {
		// Tolerant read: an unreadable row behaves like an empty collection.
		s.log.Warn("collection unreadable; treating as empty", logx.String("collection", string(c)), logx.Err(err))
		return Mapping{}, nil
	}
	return m, nil
}

func (s *sqliteStore) Write(ctx context.Context, c Collection, m Mapping) error {
	return s.Update(ctx, c, func(cur Mapping) error {
		for k := range cur {
			delete(cur, k)
		}
		for k, v := range m {
			cur[k] = v
		}
		return nil
	})
}

func (s *sqliteStore) Update(ctx context.Context, c Collection, fn func(Mapping) error) error {
	if !c.Valid() {
		return &Error{Op: "update", Collection: c, Err: errUnknownCollection}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("update", c, err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := s.load(ctx, tx, c)
	if err != nil {
		return wrapErr("update", c, err)
	}
	if err := fn(m); err != nil {
		return err
	}

	b, err := encodeMapping(m)
	if err != nil {
		return wrapErr("update", c, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO collections(name, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		string(c), string(b), time.Now().UnixMilli(),
	)
	if err != nil {
		return wrapErr("update", c, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("update", c, err)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor_id, actor_username, chat_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullStr(e.ID), e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return wrapErr("audit", "", err)
}

func (s *sqliteStore) CompactAudit(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, wrapErr("compact", "", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
