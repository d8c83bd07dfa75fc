package installer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractZip unpacks archive into dest. Entries that would land outside dest
// are rejected. Symlinks (present in mac bundles) are recreated when their
// target stays inside dest.
func extractZip(ctx context.Context, archive, dest string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	n := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return n, fmt.Errorf("archive entry %q escapes install directory", f.Name)
		}
		mode := f.Mode()
		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		case mode&fs.ModeSymlink != 0:
			if err := extractSymlink(f, target, root); err != nil {
				return n, err
			}
		default:
			if err := extractFile(f, target, mode.Perm()); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return dst.Close()
}

func extractSymlink(f *zip.File, target, root string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	b, err := io.ReadAll(io.LimitReader(src, 4096))
	_ = src.Close()
	if err != nil {
		return err
	}
	link := string(b)
	resolved := link
	if !filepath.IsAbs(link) {
		resolved = filepath.Join(filepath.Dir(target), link)
	}
	if !strings.HasPrefix(filepath.Clean(resolved)+string(os.PathSeparator), root) {
		return fmt.Errorf("archive symlink %q points outside install directory", f.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(link, target)
}

// linuxHelpers are shipped next to the linux binary and must be executable.
var linuxHelpers = []string{"chrome_crashpad_handler", "chrome-wrapper", "chrome_sandbox"}

// fixPermissions sets executable bits that archive extraction may have lost:
// the primary binary, and for mac bundles every file under a MacOS or
// Helpers directory inside the bundle.
func fixPermissions(primary string, bundleRoot string) (int, error) {
	fixed := 0
	if err := chmodExec(primary); err != nil {
		return fixed, err
	}
	fixed++
	if bundleRoot == "" {
		dir := filepath.Dir(primary)
		for _, h := range linuxHelpers {
			p := filepath.Join(dir, h)
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				if err := chmodExec(p); err != nil {
					return fixed, err
				}
				fixed++
			}
		}
		return fixed, nil
	}
	err := filepath.WalkDir(bundleRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 || d.IsDir() || p == primary {
			return nil
		}
		parent := filepath.Base(filepath.Dir(p))
		if parent != "MacOS" && parent != "Helpers" {
			return nil
		}
		if err := chmodExec(p); err != nil {
			return err
		}
		fixed++
		return nil
	})
	return fixed, err
}

func chmodExec(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return err
	}
	return os.Chmod(p, fi.Mode().Perm()|0o111)
}
