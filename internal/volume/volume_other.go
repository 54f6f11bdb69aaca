//go:build !unix

package volume

import (
	"errors"
	"os"
	"path/filepath"
)

func statFree(string) (uint64, error) {
	return 0, errors.New("free space measurement is not supported on this platform")
}

func writable(path string) error {
	f, err := os.CreateTemp(path, ".autodeps-probe-")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
