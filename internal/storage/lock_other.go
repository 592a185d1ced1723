//go:build !unix

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ProcessLock is an exclusive lock file held for the lifetime of the process.
type ProcessLock struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// AcquireProcessLock creates path exclusively. A stale file left by a crash
// must be removed by hand on these platforms.
func AcquireProcessLock(path string) (*ProcessLock, error) {
	if path == "" {
		return nil, errors.New("lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
		}
		return nil, err
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &ProcessLock{path: path, f: f}, nil
}

func (l *ProcessLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *ProcessLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if rerr := os.Remove(l.path); err == nil {
		err = rerr
	}
	return err
}
