//go:build unix

package flock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_CreatesFileAndRecordsHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")

	lock, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()
	if lock.Path() != path {
		t.Fatalf("expected lock path %s, got %s", path, lock.Path())
	}

	holder, err := ReadHolder(path)
	if err != nil {
		t.Fatalf("read holder: %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Fatalf("expected holder pid %d, got %d", os.Getpid(), holder.PID)
	}
	if holder.Acquired.IsZero() {
		t.Fatal("expected acquisition time to be recorded")
	}
}

func TestAcquire_BlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")

	first, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("acquire first: %v", err)
	}

	var acquired atomic.Bool
	var contended atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := Acquire(context.Background(), path, Options{
			Timeout:     5 * time.Second,
			OnContended: func(Holder) { contended.Store(true) },
		})
		if err != nil {
			t.Errorf("acquire second: %v", err)
			return
		}
		acquired.Store(true)
		second.Release()
	}()

	time.Sleep(100 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second acquire succeeded while the first lock was held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release first: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second acquire")
	}
	if !acquired.Load() {
		t.Fatal("second acquire never succeeded")
	}
	if !contended.Load() {
		t.Fatal("expected OnContended to be called")
	}
}

func TestAcquire_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")

	held, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	_, err = Acquire(context.Background(), path, Options{Timeout: 50 * time.Millisecond})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeoutErr.Holder.PID != os.Getpid() {
		t.Fatalf("expected holder pid %d in timeout error, got %d", os.Getpid(), timeoutErr.Holder.PID)
	}
}

func TestAcquire_Canceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")

	held, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Acquire(ctx, path, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")

	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := Acquire(context.Background(), path, Options{Timeout: 10 * time.Second})
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if n := inside.Add(1); n != 1 {
				t.Errorf("expected one holder, found %d", n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			lock.Release()
		}()
	}
	wg.Wait()
}

func TestRelease_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")
	lock, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to remain: %v", err)
	}
}

func TestReadHolder_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.lock")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHolder(path); err == nil {
		t.Fatal("expected error for malformed record")
	}
}
