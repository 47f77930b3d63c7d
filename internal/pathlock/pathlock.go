// Package pathlock provides advisory file locks guarding store paths against
// concurrent builders, in this process and in others.
package pathlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"realiser/internal/apperrors"
	"realiser/pkg/backoff"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Locker hands out locks on names inside one directory.
type Locker struct {
	dir     string
	backoff backoff.Config
}

// New creates a locker keeping its lock files in dir.
func New(dir string) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Locker{dir: dir, backoff: backoff.Config{Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.5}}, nil
}

// Lock is a set of held locks.
type Lock struct {
	names []string
	files []*os.File
}

// Names returns the locked names in sorted order.
func (l *Lock) Names() []string { return slices.Clone(l.names) }

// Unlock releases every lock in the set. Unlocking twice is a no-op.
func (l *Lock) Unlock() error {
	var errs []error
	for _, f := range l.files {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

// TryLock takes the locks on all names without blocking. It returns false,
// holding nothing, when any of them is held elsewhere.
func (l *Locker) TryLock(names ...string) (*Lock, bool, error) {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)

	lock := &Lock{names: names}
	for _, name := range names {
		if name == "" || strings.ContainsRune(name, filepath.Separator) {
			_ = lock.Unlock()
			return nil, false, apperrors.Validation("lock", fmt.Sprintf("invalid lock name %q", name))
		}
		f, err := os.OpenFile(filepath.Join(l.dir, name+".lock"), os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			_ = lock.Unlock()
			return nil, false, fmt.Errorf("failed to open lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			_ = lock.Unlock()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("failed to lock %s: %w", name, err)
		}
		lock.files = append(lock.files, f)
	}
	return lock, true, nil
}

// Acquire polls TryLock with exponential backoff until it succeeds, the
// timeout passes or ctx is done. A zero timeout waits for ctx only.
func (l *Locker) Acquire(ctx context.Context, timeout time.Duration, names ...string) (*Lock, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for attempt := 1; ; attempt++ {
		lock, ok, err := l.TryLock(names...)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		if backoff.Wait(ctx, attempt, &l.backoff) != nil {
			return nil, apperrors.Conflict("lock", strings.Join(names, ","), "still held by another process")
		}
	}
}
