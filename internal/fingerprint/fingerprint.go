// Package fingerprint derives a stable identifier for a set of requirements files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"regexp"
	"strings"
)

// Length is the number of hex characters in a Fingerprint.
const Length = 40

// Fingerprint identifies a requirements manifest plus the parameters it is
// built with. It is safe to use as a file or directory name.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Params are the build parameters folded into a fingerprint alongside the
// manifest content.
type Params struct {
	// Python is the interpreter version, e.g. "Python 3.12.1".
	Python string
	// Installer is the environment-creation tool version.
	Installer string
	// PipArgs are extra arguments passed to every pip install.
	PipArgs string
}

// ManifestReadError reports a requirements file that could not be read.
type ManifestReadError struct {
	Path string
	Err  error
}

func (e *ManifestReadError) Error() string {
	return fmt.Sprintf("read requirements %s: %v", e.Path, e.Err)
}

func (e *ManifestReadError) Unwrap() error {
	return e.Err
}

// Stage names the provisioning stage that failed.
func (e *ManifestReadError) Stage() string {
	return "manifest"
}

// Compute reads the files in order and hashes their concatenated bytes
// together with params.
func Compute(paths []string, params Params) (Fingerprint, error) {
	h := sha256.New()
	writeField(h, params.Python)
	writeField(h, params.Installer)
	writeField(h, params.PipArgs)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &ManifestReadError{Path: path, Err: err}
		}
		h.Write(data)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))[:Length]), nil
}

// writeField writes a length-prefixed value so adjacent fields cannot run
// into each other.
func writeField(h hash.Hash, value string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(value)))
	h.Write(size[:])
	h.Write([]byte(value))
}

var commentPattern = regexp.MustCompile(`#.*`)

// ReadRequirements returns the requirement lines of the given files in
// order, with comments and blank lines removed.
func ReadRequirements(paths []string) ([]string, error) {
	var lines []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ManifestReadError{Path: path, Err: err}
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(commentPattern.ReplaceAllString(line, ""))
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines, nil
}

// Valid reports whether value has the shape of a Fingerprint.
func Valid(value string) bool {
	if len(value) != Length {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil && strings.ToLower(value) == value
}
