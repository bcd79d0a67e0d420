// Package coord coordinates connections to one database across processes.
//
// Every live connection holds a shared flock on the database's lock file.
// Upgrading the database requires the exclusive lock, so an upgrade can only
// proceed once every older connection has been released.
package coord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Mode is the flock mode held on a lock file.
type Mode int

const (
	Unlocked Mode = iota
	Shared
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unlocked"
	}
}

// Lock errors.
var (
	ErrLockTimeout  = errors.New("lock timeout")
	ErrLockFileOpen = errors.New("failed to open lock file")
	ErrLockReleased = errors.New("lock released")
)

// DefaultPollInterval is the interval between non-blocking lock attempts.
const DefaultPollInterval = 10 * time.Millisecond

const filePerms = 0o644

// Lock is a flock held on a sidecar lock file.
type Lock struct {
	path     string
	interval time.Duration

	mu   sync.Mutex
	file *os.File
	mode Mode
}

// OpenLock opens or creates the lock file at path without locking it.
func OpenLock(path string, interval time.Duration) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerms) //nolint:gosec // path is built by the store
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockFileOpen, err)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Lock{path: path, interval: interval, file: file}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Mode returns the currently held mode.
func (l *Lock) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Acquire takes the lock in the given mode, polling until timeout elapses.
// A timeout of zero makes a single attempt.
func (l *Lock) Acquire(ctx context.Context, mode Mode, timeout time.Duration) error {
	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.try(mode, how)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s lock on %s", ErrLockTimeout, mode, l.path)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s lock: %w", mode, ctx.Err())
		case <-time.After(l.interval):
		}
	}
}

func (l *Lock) try(mode Mode, how int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return false, ErrLockReleased
	}

	err := unix.Flock(int(l.file.Fd()), how|unix.LOCK_NB)
	if err == nil {
		l.mode = mode
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, fmt.Errorf("flock %s: %w", l.path, err)
}

// Downgrade converts an exclusive lock into a shared one.
func (l *Lock) Downgrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLockReleased
	}
	if l.mode != Exclusive {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("downgrade lock %s: %w", l.path, err)
	}
	l.mode = Shared
	return nil
}

// Unlock drops the flock but keeps the file open for a later Acquire.
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil && l.mode != Unlocked {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	}
	l.mode = Unlocked
}

// Release drops the flock and closes the lock file. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	l.mode = Unlocked
}
