package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStore_LoadEmpty(t *testing.T) {
	store := NewStore(t.TempDir())

	st, err := store.Load()
	if err != nil {
		t.Fatalf("failed to load empty state: %v", err)
	}
	if st == nil {
		t.Fatal("expected non-nil state")
	}
	if len(st.Provisions) != 0 {
		t.Errorf("expected 0 provisions, got %d", len(st.Provisions))
	}
}

func TestStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStore(tmpDir)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := &State{
		Provisions: []Provision{{
			Fingerprint: "abc",
			Dir:         "/ssd/venvs/abc",
			Volume:      "/ssd/venvs",
			Source:      SourceBuild,
			Duration:    90 * time.Second,
			At:          at,
			PID:         42,
			Host:        "builder",
		}},
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "state.json")); err != nil {
		t.Fatalf("state file not created: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if diff := cmp.Diff(st, loaded); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SaveSkipsIdenticalContent(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStore(tmpDir)
	st := &State{Provisions: []Provision{{Fingerprint: "abc", Source: SourceArchive}}}

	if err := store.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(tmpDir, "state.json")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("save again: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Fatal("expected unchanged state not to be rewritten")
	}
}

func TestStore_RecordConcurrent(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Record(ctx, Provision{Fingerprint: fmt.Sprintf("fp-%d", i), Source: SourceBuild})
			if err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := store.Provisions("")
	if err != nil {
		t.Fatalf("provisions: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 provisions, got %d", len(all))
	}

	one, err := store.Provisions("fp-3")
	if err != nil {
		t.Fatalf("provisions: %v", err)
	}
	if len(one) != 1 || one[0].Fingerprint != "fp-3" {
		t.Fatalf("expected a single fp-3 entry, got %+v", one)
	}
}

func TestStore_RecordTrims(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	st := &State{}
	for i := 0; i < MaxProvisions; i++ {
		st.Provisions = append(st.Provisions, Provision{Fingerprint: fmt.Sprintf("fp-%d", i), Source: SourceBuild})
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Record(ctx, Provision{Fingerprint: "newest", Source: SourceArchive}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := store.Provisions("")
	if err != nil {
		t.Fatalf("provisions: %v", err)
	}
	if len(all) != MaxProvisions {
		t.Fatalf("expected %d provisions, got %d", MaxProvisions, len(all))
	}
	if all[0].Fingerprint != "fp-1" {
		t.Fatalf("expected oldest entry to be dropped, first is %s", all[0].Fingerprint)
	}
	if all[len(all)-1].Fingerprint != "newest" {
		t.Fatalf("expected newest entry last, got %s", all[len(all)-1].Fingerprint)
	}
}

func TestStore_RecordRejectsUnknownSource(t *testing.T) {
	store := NewStore(t.TempDir())
	err := store.Record(context.Background(), Provision{Source: "magic"})
	if !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}
