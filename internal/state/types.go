// Package state manages the shared autodeps state file.
//
// The state file (~/.local/state/autodeps/state.json) keeps a history of
// environments this user has provisioned. All writes are serialized through
// a lock file so concurrent autodeps processes can record safely.
package state

import (
	"errors"
	"time"
)

// MaxProvisions bounds the number of history entries kept.
const MaxProvisions = 500

// State represents the persisted state file.
type State struct {
	Provisions []Provision `json:"provisions"`
}

// ErrInvalidSource is returned when recording an unknown source.
var ErrInvalidSource = errors.New("invalid provision source")

// Source describes where a provisioned environment came from.
type Source string

const (
	// SourceExisting means a valid environment was already on disk.
	SourceExisting Source = "existing"
	// SourceArchive means the environment was restored from an archive.
	SourceArchive Source = "archive"
	// SourceBuild means the environment was built from scratch.
	SourceBuild Source = "build"
)

// ValidSources returns all valid source values.
func ValidSources() []Source {
	return []Source{SourceExisting, SourceArchive, SourceBuild}
}

// IsValid returns true if the source is a known value.
func (s Source) IsValid() bool {
	for _, valid := range ValidSources() {
		if s == valid {
			return true
		}
	}
	return false
}

// Provision records one provisioning run that did work.
type Provision struct {
	Fingerprint string        `json:"fingerprint"`
	Dir         string        `json:"dir"`
	Volume      string        `json:"volume"`
	Source      Source        `json:"source"`
	Duration    time.Duration `json:"duration_ns"`
	At          time.Time     `json:"at"`
	PID         int           `json:"pid,omitempty"`
	Host        string        `json:"host,omitempty"`
}
