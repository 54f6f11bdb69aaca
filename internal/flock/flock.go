// Package flock provides cross-process advisory file locks.
//
// A lock is held on an open file descriptor, so the kernel releases it when
// the holding process exits for any reason. The lock file records who holds
// it; that record is informational and never used to decide ownership.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupported is returned on platforms without advisory file locks.
var ErrUnsupported = errors.New("advisory file locks are not supported on this platform")

const (
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 250 * time.Millisecond
)

// Holder describes the process that wrote the lock file.
type Holder struct {
	PID      int
	Host     string
	Acquired time.Time
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown holder"
	}
	return fmt.Sprintf("pid %d on %s since %s", h.PID, h.Host, h.Acquired.Format(time.RFC3339))
}

// TimeoutError is returned when a lock is not acquired in time.
type TimeoutError struct {
	Path   string
	Waited time.Duration
	Holder Holder
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %s (held by %s)", e.Waited.Round(time.Millisecond), e.Path, e.Holder)
}

// Options configures Acquire.
type Options struct {
	// Timeout bounds the wait. Zero waits until ctx is done.
	Timeout time.Duration

	// OnContended is called once if the lock is already held.
	OnContended func(Holder)
}

// Lock is a held advisory lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire opens (or creates) the lock file at path and takes an exclusive
// lock on it, polling until the lock is free, the timeout expires, or ctx
// is done.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	interval := minPollInterval
	contended := false
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			break
		}

		if !contended {
			contended = true
			if opts.OnContended != nil {
				holder, _ := ReadHolder(path)
				opts.OnContended(holder)
			}
		}

		select {
		case <-ctx.Done():
			f.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				holder, _ := ReadHolder(path)
				return nil, &TimeoutError{Path: path, Waited: time.Since(start), Holder: holder}
			}
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}

	if err := writeHolder(f); err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("record lock holder %s: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release unlocks and closes the lock file. The file itself stays on disk so
// that waiters blocked on it keep contending for the same inode. It is safe
// to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if closeErr != nil {
		return closeErr
	}
	return unlockErr
}

func writeHolder(f *os.File) error {
	host, _ := os.Hostname()
	record := fmt.Sprintf("%d %s %s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHolder parses the holder record from a lock file.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return Holder{}, fmt.Errorf("malformed lock record in %s", path)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Holder{}, fmt.Errorf("malformed lock pid in %s: %w", path, err)
	}
	acquired, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return Holder{}, fmt.Errorf("malformed lock time in %s: %w", path, err)
	}
	return Holder{PID: pid, Host: fields[1], Acquired: acquired}, nil
}
