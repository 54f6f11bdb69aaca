package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/amonks/autodeps/internal/fingerprint"
)

// Record is an environment directory found on a volume.
type Record struct {
	Fingerprint fingerprint.Fingerprint
	Volume      string
	Dir         string
	// Complete reports whether the completion marker exists.
	Complete bool
	// Marker is the parsed marker of a complete record.
	Marker Marker
	// Modified is the directory's modification time.
	Modified time.Time
}

// ListRecords returns the environment directories on the given volumes.
// Volumes that do not exist are skipped. Records are ordered by volume
// order, then newest first.
func ListRecords(volumes []string) ([]Record, error) {
	var records []Record
	for _, vol := range volumes {
		entries, err := os.ReadDir(vol)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read volume %s: %w", vol, err)
		}

		var found []Record
		for _, entry := range entries {
			if !entry.IsDir() || !fingerprint.Valid(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			dir := filepath.Join(vol, entry.Name())
			rec := Record{
				Fingerprint: fingerprint.Fingerprint(entry.Name()),
				Volume:      vol,
				Dir:         dir,
				Complete:    Complete(dir),
				Modified:    info.ModTime(),
			}
			if rec.Complete {
				rec.Marker, _ = ReadMarker(dir)
			}
			found = append(found, rec)
		}
		sort.SliceStable(found, func(i, j int) bool {
			return found[i].Modified.After(found[j].Modified)
		})
		records = append(records, found...)
	}
	return records, nil
}
