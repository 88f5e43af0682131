// Package lock serialises pipelines that target the same install directory,
// within one process and across processes.
package lock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/releasekit/installer/pkg/errors"
)

// PollInterval is how often a contended cross-process lock is retried.
var PollInterval = 100 * time.Millisecond

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out per-directory locks. The zero value is not usable; use New.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Held is an acquired directory lock.
type Held struct {
	l    *Locker
	key  string
	file *os.File
	once sync.Once
}

// Key normalises an install directory into the lock key.
func Key(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Clean(dir)
}

// LockPath is the file used for the cross-process lock of installDir. It lives
// next to the install directory so it survives the directory being swapped.
func LockPath(installDir string) string {
	key := Key(installDir)
	return filepath.Join(filepath.Dir(key), "."+filepath.Base(key)+".lock")
}

// Lock blocks until the lock for dir is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, dir string) (*Held, error) {
	key := Key(dir)

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(key, false)
		return nil, &errors.CancelledError{Stage: "waiting for install lock", Err: err}
	}

	f, err := acquireFile(ctx, LockPath(key))
	if err != nil {
		l.release(key, true)
		return nil, err
	}

	if waited := time.Since(start); waited > PollInterval {
		slog.Info("install_lock_acquired", "dir", key, "waited", waited.String())
	}
	return &Held{l: l, key: key, file: f}, nil
}

// Unlock releases the lock. Calling it more than once is harmless.
func (h *Held) Unlock() {
	h.once.Do(func() {
		releaseFile(h.file)
		h.l.release(h.key, true)
	})
}

func (l *Locker) release(key string, acquired bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if acquired {
		e.sem.Release(1)
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to create lock directory"), path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to open lock file"), path)
	}
	return f, nil
}
