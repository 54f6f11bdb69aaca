// Package volume picks a storage directory with enough free space.
package volume

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

const bytesPerGigabyte = 1 << 30

// GigabytesToBytes converts a configured gigabyte threshold to bytes.
func GigabytesToBytes(gigabytes float64) uint64 {
	if gigabytes <= 0 {
		return 0
	}
	n := gigabytes * bytesPerGigabyte
	if n >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(n)
}

// SpaceFunc reports the free bytes available to an unprivileged user on the
// filesystem holding path.
type SpaceFunc func(path string) (uint64, error)

// Candidate is a storage directory and the free space measured for it.
type Candidate struct {
	Path      string
	FreeBytes uint64
}

// Skip records why a candidate was rejected.
type Skip struct {
	Path   string
	Reason string
}

// NoVolumeAvailableError is returned when no candidate qualifies.
type NoVolumeAvailableError struct {
	RequiredBytes uint64
	Skipped       []Skip
}

func (e *NoVolumeAvailableError) Error() string {
	if len(e.Skipped) == 0 {
		return "no storage directories configured"
	}
	reasons := make([]string, 0, len(e.Skipped))
	for _, skip := range e.Skipped {
		reasons = append(reasons, fmt.Sprintf("%s: %s", skip.Path, skip.Reason))
	}
	return fmt.Sprintf("no storage directory with %s free: %s",
		humanize.IBytes(e.RequiredBytes), strings.Join(reasons, "; "))
}

// Stage names the provisioning stage that failed.
func (e *NoVolumeAvailableError) Stage() string {
	return "volume"
}

// Selector chooses among candidate directories.
type Selector struct {
	// Space measures free space. Defaults to FreeBytes.
	Space SpaceFunc

	// Prefer, when set, short-circuits the search: the first candidate for
	// which it returns true is selected regardless of free space.
	Prefer func(path string) bool
}

// Select returns the first candidate with at least requiredBytes free that
// can be created and written. Candidates failing the space check are never
// created.
func (s Selector) Select(candidates []string, requiredBytes uint64) (Candidate, error) {
	space := s.Space
	if space == nil {
		space = FreeBytes
	}

	if s.Prefer != nil {
		for _, path := range candidates {
			if s.Prefer(path) {
				free, _ := space(path)
				return Candidate{Path: path, FreeBytes: free}, nil
			}
		}
	}

	noVolume := &NoVolumeAvailableError{RequiredBytes: requiredBytes}
	for _, path := range candidates {
		free, err := space(path)
		if err != nil {
			noVolume.Skipped = append(noVolume.Skipped, Skip{Path: path, Reason: fmt.Sprintf("measure free space: %v", err)})
			continue
		}
		if free < requiredBytes {
			noVolume.Skipped = append(noVolume.Skipped, Skip{Path: path, Reason: fmt.Sprintf("only %s free", humanize.IBytes(free))})
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			noVolume.Skipped = append(noVolume.Skipped, Skip{Path: path, Reason: fmt.Sprintf("create: %v", err)})
			continue
		}
		if err := writable(path); err != nil {
			noVolume.Skipped = append(noVolume.Skipped, Skip{Path: path, Reason: fmt.Sprintf("not writable: %v", err)})
			continue
		}
		return Candidate{Path: path, FreeBytes: free}, nil
	}

	return Candidate{}, noVolume
}

// Select picks a candidate using the default free-space probe.
func Select(candidates []string, requiredBytes uint64) (Candidate, error) {
	return Selector{}.Select(candidates, requiredBytes)
}

// FreeBytes measures the filesystem holding path, walking up to the
// nearest existing ancestor when path does not exist yet.
func FreeBytes(path string) (uint64, error) {
	existing, err := nearestExisting(path)
	if err != nil {
		return 0, err
	}
	return statFree(existing)
}

func nearestExisting(path string) (string, error) {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		path = parent
	}
}
