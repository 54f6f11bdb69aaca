package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// PublishLatest points the symlink link at target, replacing any previous
// link in a single rename so readers see either the old or the new target.
// It does nothing when link is empty or already points at target.
func PublishLatest(target, link string) error {
	if link == "" {
		return nil
	}
	if current, err := os.Readlink(link); err == nil && current == target {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return &PublishError{Link: link, Target: target, Err: err}
	}

	tmp := fmt.Sprintf("%s.tmp-%s", link, uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return &PublishError{Link: link, Target: target, Err: err}
	}
	if err := os.Rename(tmp, link); err != nil {
		return &PublishError{Link: link, Target: target, Err: errors.Join(err, removeIfExists(tmp))}
	}
	return nil
}

// Latest returns the target of the symlink link, or "" when it does not
// exist.
func Latest(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	target, err := os.Readlink(link)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest link: %w", err)
	}
	return target, nil
}
