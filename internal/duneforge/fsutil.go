package duneforge

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// pathState is the result of probing a path: present, absent, or an actual
// error. Callers decide whether absence is fine (optional .opt variants,
// editor integration files) or fatal (man pages), instead of one blanket
// suppress-everything rule.
type pathState int

const (
	pathAbsent pathState = iota
	pathPresent
	pathError
)

// probePath lstats a path without following symlinks.
func probePath(path string) (pathState, os.FileInfo, error) {
	st, err := os.Lstat(path)
	if err == nil {
		return pathPresent, st, nil
	}
	if os.IsNotExist(err) {
		return pathAbsent, nil, nil
	}
	return pathError, nil, err
}

// fileExists reports whether a path exists at all (any type).
func fileExists(path string) bool {
	state, _, _ := probePath(path)
	return state == pathPresent
}

// copyFile copies a single file from src to dst, preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// copyTreeDeref deep-copies a directory tree, dereferencing every symbolic
// link. Snapshots taken with it survive the later removal of the working
// build directory that the links point into.
func copyTreeDeref(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("snapshot source %s: %w", src, err)
	}
	if st.IsDir() {
		if err := os.MkdirAll(dst, st.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTreeDeref(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if st.Mode().IsRegular() {
		return copyFile(src, dst)
	}
	debugf("=> Skipping irregular file %s (%s)\n", src, st.Mode())
	return nil
}

// copyTree copies a directory tree preserving symlinks as symlinks. Used to
// restore a snapshot into the working tree before the final install.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(dest, target)
		case info.Mode().IsRegular():
			return copyFile(path, target)
		default:
			debugf("=> Skipping irregular file %s (%s)\n", path, info.Mode())
			return nil
		}
	})
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// listTreeFiles returns the relative paths of all regular files under root,
// sorted for stable manifests.
func listTreeFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// withFileLock runs fn while holding an exclusive flock on lockPath. Two
// duneforge processes sharing a stage root serialize here.
func withFileLock(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
