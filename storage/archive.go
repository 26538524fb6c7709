package storage

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// EntryPoint is the script every job folder must carry at its root.
const EntryPoint = "run.sh"

// HasEntryPoint reports whether dir contains the entry point script.
func HasEntryPoint(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, EntryPoint))
	return err == nil && info.Mode().IsRegular()
}

// ArchiveHasEntryPoint reports whether a .tar.gz holds <top>/run.sh, one
// folder deep.
func ArchiveHasEntryPoint(archivePath string) (bool, error) {
	found := false
	err := walkArchive(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		parts := archiveParts(hdr.Name)
		if len(parts) == 2 && parts[1] == EntryPoint && hdr.Typeflag == tar.TypeReg {
			found = true
		}
		return nil
	})
	return found, err
}

// ExtractArchive unpacks a .tar.gz into dest, dropping the top-level folder.
// Entries and symlink targets must stay inside dest, and no entry is written
// through a symlink.
func ExtractArchive(archivePath, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return walkArchive(archivePath, func(hdr *tar.Header, r io.Reader) error {
		parts := archiveParts(hdr.Name)
		if len(parts) > 0 && parts[0] == ".." {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		if len(parts) < 2 {
			return nil
		}
		rel := path.Join(parts[1:]...)
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeReg, tar.TypeSymlink:
		default:
			return nil
		}
		if err := checkNoSymlinkParent(dest, target); err != nil {
			return fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}
		if err := removeSymlink(target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return writeFile(target, r, fs.FileMode(hdr.Mode).Perm())
		default:
			if err := checkLinkTarget(dest, target, hdr.Linkname); err != nil {
				return fmt.Errorf("archive entry %q: %w", hdr.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(hdr.Linkname, target)
		}
	})
}

// checkLinkTarget rejects absolute link targets, targets that leave dest at
// any step, and targets that pass through another symlink.
func checkLinkTarget(dest, target, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) || path.IsAbs(linkname) {
		return fmt.Errorf("symlink target %q is not a relative path", linkname)
	}
	parts := strings.Split(linkname, "/")
	cur := filepath.Dir(target)
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			cur = filepath.Join(cur, part)
		}
		if !within(dest, cur) {
			return fmt.Errorf("symlink target %q escapes destination", linkname)
		}
		if i == len(parts)-1 {
			break
		}
		info, err := os.Lstat(cur)
		if err == nil && info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink target %q passes through symlink %s", linkname, cur)
		}
	}
	return nil
}

// checkNoSymlinkParent fails when any existing directory between dest and
// target is a symlink.
func checkNoSymlinkParent(dest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("parent %s is a symlink", cur)
		}
	}
	return nil
}

// removeSymlink deletes target if it is a symlink so the entry replaces the
// link instead of following it.
func removeSymlink(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(target)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func archiveParts(name string) []string {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || clean == "" {
		return nil
	}
	return strings.Split(clean, "/")
}

func walkArchive(archivePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive %s: %w", archivePath, err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyTree copies src into dest, keeping file modes and symlinks.
func CopyTree(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeFile(target, in, info.Mode().Perm())
		}
	})
}

// CopyFile copies a single regular file.
func CopyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(dest, in, info.Mode().Perm())
}
