package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "relaybot/pkg/logx"
)

const (
	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the config after the file settles following a change. A
// broken watcher is recreated with jittered backoff. It returns when ctx is
// done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	delay := rewatchMin

	for ctx.Err() == nil {
		err := m.watchDir(ctx, dir, func() { delay = rewatchMin })
		if ctx.Err() != nil {
			break
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay/2)+1))
		delay = min(delay*2, rewatchMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one watcher over dir. Reloads happen on this goroutine, so
// two reloads never overlap.
func (m *ConfigManager) watchDir(ctx context.Context, dir string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir))

	name := filepath.Base(m.path)
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config events overflowed; reloading", logx.Err(err))
				settle.Reset(m.debounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
