package archive

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
)

const testFingerprint = "0123456789abcdef0123456789abcdef01234567"

// buildEnv lays out a small environment tree resembling a virtualenv.
func buildEnv(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"bin/python":        "#!/bin/sh\n",
		"bin/activate":      "export VIRTUAL_ENV\n",
		"lib/site/numpy.py": "print('numpy')\n",
		"requirements.txt":  "numpy==1.2\n",
		".completed":        "{}\n",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	if err := os.Symlink("lib", filepath.Join(dir, "lib64")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if rel != "." {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	sort.Strings(out)
	return out
}

func TestPublishThenFetch(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, src)

	store := New(t.TempDir(), Options{Exclude: []string{".completed"}})
	if err := store.Publish(ctx, testFingerprint, src); err != nil {
		t.Fatalf("publish: %v", err)
	}
	info, err := os.Stat(store.Path(testFingerprint))
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected archive mode 0644, got %v", info.Mode().Perm())
	}

	target := filepath.Join(t.TempDir(), testFingerprint)
	if err := store.Fetch(ctx, testFingerprint, target); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := []string{"bin", "bin/activate", "bin/python", "lib", "lib/site", "lib/site/numpy.py", "lib64", "requirements.txt"}
	if diff := cmp.Diff(want, listTree(t, target)); diff != "" {
		t.Fatalf("restored tree mismatch (-want +got):\n%s", diff)
	}
	link, err := os.Readlink(filepath.Join(target, "lib64"))
	if err != nil || link != "lib" {
		t.Fatalf("expected lib64 -> lib, got %q (%v)", link, err)
	}
	data, err := os.ReadFile(filepath.Join(target, "lib", "site", "numpy.py"))
	if err != nil || string(data) != "print('numpy')\n" {
		t.Fatalf("unexpected restored content %q (%v)", data, err)
	}
	pyInfo, err := os.Stat(filepath.Join(target, "bin", "python"))
	if err != nil || pyInfo.Mode().Perm()&0o100 == 0 {
		t.Fatalf("expected executable bin/python, got %v (%v)", pyInfo, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(target))
	if len(entries) != 1 {
		t.Fatalf("expected staging directory to be cleaned up, found %d entries", len(entries))
	}
}

func TestPublish_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), Options{})

	first := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, first)
	if err := store.Publish(ctx, testFingerprint, first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	before, err := os.ReadFile(store.Path(testFingerprint))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	second := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, second)
	if err := os.WriteFile(filepath.Join(second, "extra.txt"), []byte("late"), 0o644); err != nil {
		t.Fatalf("write extra: %v", err)
	}
	if err := store.Publish(ctx, testFingerprint, second); err != nil {
		t.Fatalf("publish second: %v", err)
	}
	after, err := os.ReadFile(store.Path(testFingerprint))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("expected existing archive entry to be left untouched")
	}

	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 1 {
		t.Fatalf("expected only the archive entry, found %d files", len(entries))
	}
}

func TestPublish_NoDirectory(t *testing.T) {
	store := New("", Options{})
	src := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, src)
	if err := store.Publish(context.Background(), testFingerprint, src); err != nil {
		t.Fatalf("expected publish without directory to be a no-op, got %v", err)
	}
	if store.Path(testFingerprint) != "" {
		t.Fatal("expected empty path without archive directory")
	}
}

func TestFetch_Missing(t *testing.T) {
	store := New(t.TempDir(), Options{})
	err := store.Fetch(context.Background(), testFingerprint, filepath.Join(t.TempDir(), testFingerprint))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetch_TruncatedArchive(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, src)
	store := New(t.TempDir(), Options{})
	if err := store.Publish(ctx, testFingerprint, src); err != nil {
		t.Fatalf("publish: %v", err)
	}

	path := store.Path(testFingerprint)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
		t.Fatalf("truncate archive: %v", err)
	}

	targetParent := t.TempDir()
	target := filepath.Join(targetParent, testFingerprint)
	err = store.Fetch(ctx, testFingerprint, target)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for truncated archive, got %v", err)
	}
	entries, _ := os.ReadDir(targetParent)
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers after failed fetch, found %d", len(entries))
	}
}

func TestFetch_MissingRequiredPath(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), testFingerprint)
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "x.py"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := New(t.TempDir(), Options{})
	if err := store.Publish(ctx, testFingerprint, src); err != nil {
		t.Fatalf("publish: %v", err)
	}

	err := store.Fetch(ctx, testFingerprint, filepath.Join(t.TempDir(), testFingerprint))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without bin/, got %v", err)
	}
}

func TestFetch_SearchDirectories(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), testFingerprint)
	buildEnv(t, src)

	other := New(t.TempDir(), Options{})
	if err := other.Publish(ctx, testFingerprint, src); err != nil {
		t.Fatalf("publish: %v", err)
	}

	store := New(t.TempDir(), Options{Search: []string{other.Dir()}})
	path, ok := store.Lookup(testFingerprint)
	if !ok || path != other.Path(testFingerprint) {
		t.Fatalf("expected lookup to find %s, got %q (%v)", other.Path(testFingerprint), path, ok)
	}
	if err := store.Fetch(ctx, testFingerprint, filepath.Join(t.TempDir(), testFingerprint)); err != nil {
		t.Fatalf("fetch from search dir: %v", err)
	}
}

func TestFetch_WrongRoot(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "other")
	buildEnv(t, src)
	store := New(t.TempDir(), Options{})

	// An entry whose members are rooted under a different name is unusable.
	f, err := os.Create(store.Path(testFingerprint))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := write(ctx, f, src, "other", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	err = store.Fetch(ctx, testFingerprint, filepath.Join(t.TempDir(), testFingerprint))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong root, got %v", err)
	}
}

// writeTarGz writes a hand-built archive, for layouts write never produces.
func writeTarGz(t *testing.T, path string, hdrs []*tar.Header) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, hdr := range hdrs {
		body := ""
		if hdr.Typeflag == tar.TypeReg {
			body = "planted\n"
			hdr.Size = int64(len(body))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", hdr.Name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write %s: %v", hdr.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
}

func TestFetch_SymlinkChainStaysInside(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), Options{})
	fp := testFingerprint
	writeTarGz(t, store.Path(fp), []*tar.Header{
		{Name: fp + "/", Typeflag: tar.TypeDir},
		{Name: fp + "/bin/", Typeflag: tar.TypeDir},
		{Name: fp + "/a", Typeflag: tar.TypeSymlink, Linkname: ".."},
		{Name: fp + "/a/b", Typeflag: tar.TypeSymlink, Linkname: ".."},
		{Name: fp + "/a/b/escaped.txt", Typeflag: tar.TypeReg},
	})

	base := t.TempDir()
	vol := filepath.Join(base, "vol")
	if err := os.Mkdir(vol, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	err := store.Fetch(ctx, fp, filepath.Join(vol, fp))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, dir := range []string{base, vol} {
		if _, err := os.Lstat(filepath.Join(dir, "escaped.txt")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected nothing written to %s, got %v", dir, err)
		}
	}
	if entries, _ := os.ReadDir(vol); len(entries) != 0 {
		t.Fatalf("expected volume to be left empty, found %d entries", len(entries))
	}
}

func TestExtract_RejectsMembersBeneathSymlinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "entry.tar.gz")
	writeTarGz(t, src, []*tar.Header{
		{Name: "fp/", Typeflag: tar.TypeDir},
		{Name: "fp/lib/", Typeflag: tar.TypeDir},
		{Name: "fp/lib64", Typeflag: tar.TypeSymlink, Linkname: "lib"},
		{Name: "fp/lib64/site.py", Typeflag: tar.TypeReg},
	})

	err := extract(context.Background(), src, filepath.Join(dir, "staging"), DefaultMaxBytes)
	if err == nil {
		t.Fatal("expected a member beneath a symlink to be rejected")
	}
	if _, err := os.Lstat(filepath.Join(dir, "staging", "fp", "lib", "site.py")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected nothing written through the symlink, got %v", err)
	}
}
