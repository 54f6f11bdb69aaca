package fingerprint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCompute_Stable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "numpy==1.2\nrequests==2.0\n")

	first, err := Compute([]string{path}, Params{Python: "Python 3.12.1"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, err := Compute([]string{path}, Params{Python: "Python 3.12.1"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical fingerprints, got %s and %s", first, second)
	}
	if !Valid(string(first)) {
		t.Fatalf("fingerprint %q is not valid", first)
	}
}

func TestCompute_SameContentDifferentPaths(t *testing.T) {
	dir := t.TempDir()
	single := writeFile(t, dir, "all.txt", "numpy==1.2\nrequests==2.0\n")
	a := writeFile(t, dir, "a.txt", "numpy==1.2\n")
	b := writeFile(t, dir, "b.txt", "requests==2.0\n")

	m1, err := Compute([]string{single}, Params{})
	if err != nil {
		t.Fatalf("compute m1: %v", err)
	}
	m2, err := Compute([]string{a, b}, Params{})
	if err != nil {
		t.Fatalf("compute m2: %v", err)
	}
	if m1 != m2 {
		t.Fatalf("expected equal fingerprints for equal content, got %s and %s", m1, m2)
	}
}

func TestCompute_ChangeSensitivity(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "numpy==1.2\n")
	before, err := Compute([]string{path}, Params{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	writeFile(t, dir, "requirements.txt", "numpy==1.3\n")
	after, err := Compute([]string{path}, Params{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if before == after {
		t.Fatal("expected fingerprint to change after editing requirements")
	}
}

func TestCompute_ParamsAffectFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "numpy==1.2\n")

	base, _ := Compute([]string{path}, Params{Python: "3.11"})
	other, _ := Compute([]string{path}, Params{Python: "3.12"})
	if base == other {
		t.Fatal("expected interpreter version to change the fingerprint")
	}

	// Field boundaries are length-prefixed.
	ab, _ := Compute([]string{path}, Params{Python: "a", Installer: "b"})
	joined, _ := Compute([]string{path}, Params{Python: "ab"})
	if ab == joined {
		t.Fatal("expected distinct params to produce distinct fingerprints")
	}
}

func TestCompute_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.txt")
	_, err := Compute([]string{missing}, Params{})

	var readErr *ManifestReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected ManifestReadError, got %v", err)
	}
	if readErr.Path != missing {
		t.Fatalf("expected path %q, got %q", missing, readErr.Path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
	if readErr.Stage() != "manifest" {
		t.Fatalf("expected stage manifest, got %q", readErr.Stage())
	}
}

func TestReadRequirements(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "# pinned\nnumpy==1.2  # fast math\n\n")
	b := writeFile(t, dir, "b.txt", "requests==2.0\n   \ngit+https://example.com/repo.git#egg=thing\n")

	got, err := ReadRequirements([]string{a, b})
	if err != nil {
		t.Fatalf("read requirements: %v", err)
	}
	want := []string{"numpy==1.2", "requests==2.0", "git+https://example.com/repo.git"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("requirements mismatch (-want +got):\n%s", diff)
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"":    false,
		"abc": false,
		"0123456789abcdef0123456789abcdef01234567": true,
		"0123456789ABCDEF0123456789abcdef01234567": false,
		"zz23456789abcdef0123456789abcdef01234567": false,
	}
	for value, want := range cases {
		if got := Valid(value); got != want {
			t.Errorf("Valid(%q) = %v, want %v", value, got, want)
		}
	}
}
