package env

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amonks/autodeps/internal/state"
)

// MarkerName is the file whose presence makes an environment complete.
const MarkerName = ".completed"

// Marker is the content of the completion marker. Only its presence is
// significant; the fields are for operators.
type Marker struct {
	Fingerprint string       `json:"fingerprint"`
	CompletedAt time.Time    `json:"completed_at"`
	Source      state.Source `json:"source"`
	Host        string       `json:"host,omitempty"`
	PID         int          `json:"pid,omitempty"`
}

// Complete reports whether dir holds a completion marker.
func Complete(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerName))
	return err == nil && info.Mode().IsRegular()
}

// ReadMarker reads the completion marker in dir. A marker that exists but
// does not parse yields a zero Marker and no error, since it still marks the
// environment complete.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, nil
	}
	return m, nil
}

func writeMarker(dir string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, MarkerName+".tmp-")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(name, 0o644)
	}
	if err == nil {
		err = os.Rename(name, filepath.Join(dir, MarkerName))
	}
	if err != nil {
		return errors.Join(fmt.Errorf("write marker: %w", err), removeIfExists(name))
	}
	return nil
}

func newMarker(fp string, source state.Source, now time.Time) Marker {
	host, _ := os.Hostname()
	return Marker{
		Fingerprint: fp,
		CompletedAt: now.UTC(),
		Source:      source,
		Host:        host,
		PID:         os.Getpid(),
	}
}

func removeIfExists(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
