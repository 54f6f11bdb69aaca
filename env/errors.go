package env

import (
	"fmt"
	"time"

	"github.com/amonks/autodeps/internal/fingerprint"
	"github.com/amonks/autodeps/internal/flock"
	"github.com/amonks/autodeps/internal/volume"
)

// ManifestReadError reports a requirement file that could not be read.
type ManifestReadError = fingerprint.ManifestReadError

// NoVolumeAvailableError reports that no candidate volume could be used.
type NoVolumeAvailableError = volume.NoVolumeAvailableError

// LockTimeoutError reports that another process held the build lock for
// longer than the configured timeout.
type LockTimeoutError struct {
	Fingerprint fingerprint.Fingerprint
	LockPath    string
	Waited      time.Duration
	Holder      flock.Holder
	Err         error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("gave up on %s after %s: lock %s is held by %s",
		e.Fingerprint, e.Waited.Round(time.Second), e.LockPath, e.Holder)
}

func (e *LockTimeoutError) Unwrap() error {
	return e.Err
}

// Stage names the provisioning stage that failed.
func (e *LockTimeoutError) Stage() string {
	return "lock"
}

// BuildFailedError reports a failed environment build. Nothing was left at
// the environment's path.
type BuildFailedError struct {
	Fingerprint fingerprint.Fingerprint
	// Step is the build step that failed, when known.
	Step string
	// LogFile holds the failed step's output, when it could be kept.
	LogFile string
	Err     error
}

func (e *BuildFailedError) Error() string {
	msg := fmt.Sprintf("building %s failed", e.Fingerprint)
	if e.Step != "" {
		msg += " at step " + e.Step
	}
	if e.LogFile != "" {
		msg += " (log: " + e.LogFile + ")"
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *BuildFailedError) Unwrap() error {
	return e.Err
}

// Stage names the provisioning stage that failed.
func (e *BuildFailedError) Stage() string {
	return "build"
}

// PublishError reports that the latest symlink could not be updated. The
// environment itself is complete.
type PublishError struct {
	Link   string
	Target string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("point %s at %s: %v", e.Link, e.Target, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Stage names the provisioning stage that failed.
func (e *PublishError) Stage() string {
	return "publish"
}
