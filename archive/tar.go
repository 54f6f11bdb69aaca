package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// write streams dir as a gzip tar into w, with members rooted at name/.
func write(ctx context.Context, w io.Writer, dir, name string, exclude map[string]bool) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel != "." && exclude[strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if rel != "." {
			hdr.Name = name + "/" + filepath.ToSlash(rel)
		}
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// extract unpacks the gzip tar at src into dst, which must not exist.
// Members are written through an os.Root on dst, symlink targets must stay
// inside dst, and no member may be placed beneath an extracted symlink.
func extract(ctx context.Context, src, dst string, maxBytes int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.Mkdir(dst, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()

	tr := tar.NewReader(gz)
	var total int64
	members := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		rel := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("member escapes archive root: %s", hdr.Name)
		}
		if err := checkParents(root, rel); err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
		members++

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return err
			}
			if err := root.Chmod(rel, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxBytes {
				return fmt.Errorf("archive expands beyond %d bytes", maxBytes)
			}
			if err := writeMember(root, tr, rel, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			target := hdr.Linkname
			if filepath.IsAbs(target) || !filepath.IsLocal(filepath.Join(filepath.Dir(rel), target)) {
				return fmt.Errorf("symlink escapes archive root: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
				return err
			}
			if err := root.Symlink(target, rel); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			members--
		default:
			return fmt.Errorf("unsupported member type %q: %s", hdr.Typeflag, hdr.Name)
		}
	}
	if members == 0 {
		return errors.New("archive is empty")
	}
	return nil
}

// checkParents rejects rel when one of its parent directories is a symlink.
// Archives written by write never contain such members.
func checkParents(root *os.Root, rel string) error {
	for dir := filepath.Dir(rel); dir != "."; dir = filepath.Dir(dir) {
		info, err := root.Lstat(dir)
		if err != nil {
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("member is beneath symlink %s", filepath.ToSlash(dir))
		}
	}
	return nil
}

func writeMember(root *os.Root, r io.Reader, rel string, hdr *tar.Header) error {
	if err := root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return err
	}
	out, err := root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, hdr.Size))
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return fmt.Errorf("short member %s: %d of %d bytes", hdr.Name, n, hdr.Size)
	}
	return nil
}
