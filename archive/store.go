package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Ext is the file extension of archive entries.
const Ext = ".tar.gz"

// ErrNotFound reports that no usable archive entry exists.
var ErrNotFound = errors.New("archive entry not found")

// Options configures a Store.
type Options struct {
	// Search lists extra directories consulted by Fetch after the archive
	// directory itself.
	Search []string

	// Required lists paths, relative to the environment root, that must be
	// present after extraction. Defaults to "bin".
	Required []string

	// Exclude lists top-level names left out of published entries.
	Exclude []string

	// MaxBytes caps the total extracted size. Zero means DefaultMaxBytes.
	MaxBytes int64

	Logger *log.Logger
}

// DefaultMaxBytes bounds extraction of a single entry (20 GiB).
const DefaultMaxBytes = 20 << 30

// Store reads and writes archive entries.
type Store struct {
	dir      string
	search   []string
	required []string
	exclude  map[string]bool
	maxBytes int64
	logger   *log.Logger
}

// New returns a Store rooted at dir. An empty dir disables publishing but
// Fetch still consults Options.Search.
func New(dir string, opts Options) *Store {
	required := opts.Required
	if len(required) == 0 {
		required = []string{"bin"}
	}
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		exclude[name] = true
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Store{
		dir:      dir,
		search:   opts.Search,
		required: required,
		exclude:  exclude,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Dir returns the archive directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the entry for fingerprint lives in the archive
// directory, or "" when no archive directory is configured.
func (s *Store) Path(fingerprint string) string {
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, fingerprint+Ext)
}

// Lookup returns the first existing entry for fingerprint across the
// archive directory and the search directories.
func (s *Store) Lookup(fingerprint string) (string, bool) {
	dirs := make([]string, 0, len(s.search)+1)
	if s.dir != "" {
		dirs = append(dirs, s.dir)
	}
	dirs = append(dirs, s.search...)
	for _, dir := range dirs {
		path := filepath.Join(dir, fingerprint+Ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Fetch extracts the entry for fingerprint to target. The target must not
// exist; the entry is unpacked beside it and renamed into place only after
// it has been verified. Any failure to produce a verified tree is reported
// as ErrNotFound.
func (s *Store) Fetch(ctx context.Context, fingerprint, target string) error {
	entry, ok := s.Lookup(fingerprint)
	if !ok {
		return ErrNotFound
	}

	staging := fmt.Sprintf("%s.restore-%s", target, uuid.NewString())
	defer os.RemoveAll(staging)

	s.logger.Info("restoring environment from archive", "archive", entry, "dir", target)
	if err := extract(ctx, entry, staging, s.maxBytes); err != nil {
		s.logger.Warn("ignoring unusable archive", "archive", entry, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrNotFound, entry, err)
	}

	root := filepath.Join(staging, fingerprint)
	if err := s.verify(root); err != nil {
		s.logger.Warn("ignoring unusable archive", "archive", entry, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrNotFound, entry, err)
	}

	if err := os.Rename(root, target); err != nil {
		return fmt.Errorf("install restored environment: %w", err)
	}
	return nil
}

func (s *Store) verify(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("missing %s root: %w", filepath.Base(root), err)
	}
	if len(entries) == 0 {
		return errors.New("archive is empty")
	}
	for _, rel := range s.required {
		if _, err := os.Lstat(filepath.Join(root, rel)); err != nil {
			return fmt.Errorf("missing required path %s", rel)
		}
	}
	return nil
}

// Publish writes dir as the entry for fingerprint. It does nothing when an
// entry already exists or when the archive directory is unset or not
// writable.
func (s *Store) Publish(ctx context.Context, fingerprint, dir string) error {
	dst := s.Path(fingerprint)
	if dst == "" {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		s.logger.Debug("archive entry already exists", "archive", dst)
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Debug("archive directory unavailable", "dir", s.dir, "err", err)
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("%s_%s%s.tmp-", fingerprint, uuid.NewString()[:8], Ext))
	if err != nil {
		s.logger.Debug("archive directory not writable", "dir", s.dir, "err", err)
		return nil
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	s.logger.Info("publishing archive", "archive", dst)
	writeErr := write(ctx, tmp, dir, fingerprint, s.exclude)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if err := tmp.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return fmt.Errorf("write archive %s: %w", dst, writeErr)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod archive %s: %w", dst, err)
	}

	// A hard link creates dst only if it is absent, so a publisher that
	// finished first keeps its entry.
	err = os.Link(tmpName, dst)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	s.logger.Debug("hard link unsupported, renaming archive", "err", err)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename archive %s: %w", dst, err)
	}
	committed = true
	return nil
}
