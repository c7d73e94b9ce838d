package txn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/calvinalkan/txfs/pkg/fs"
)

// errUnsupportedEntry marks a copy source that is neither a regular file nor
// a directory. Preserving symlinks, devices, and other special entries
// across a commit is explicitly out of scope (spec's non-goal list), so a
// copy simply refuses rather than silently doing something unsound.
var errUnsupportedEntry = errors.New("txn: source is neither a regular file nor a directory")

// copyFile streams src to dst, creating dst's parent directory and
// overwriting any existing content. When sync is true, the destination is
// fsynced before return — used when materializing base-directory content
// during commit-execute, skipped for staging-to-staging copies that aren't
// yet past the durability barrier.
func copyFile(fsys fs.FS, src, dst string, perm os.FileMode, sync bool) error {
	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("txn: open copy source %q: %w", src, err)
	}
	defer in.Close()

	if err := fsys.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("txn: mkdir for copy dest %q: %w", dst, err)
	}

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("txn: create copy dest %q: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("txn: copy %q to %q: %w", src, dst, err)
	}

	if sync {
		if err := out.Sync(); err != nil {
			_ = out.Close()

			return fmt.Errorf("txn: sync copy dest %q: %w", dst, err)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("txn: close copy dest %q: %w", dst, err)
	}

	return nil
}

// copyTree recursively copies src onto dst, both regular files and
// directories. Entries that are neither are rejected with
// [errUnsupportedEntry].
func copyTree(fsys fs.FS, src, dst string, sync bool) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return fmt.Errorf("txn: stat copy source %q: %w", src, err)
	}

	if info.IsDir() {
		return copyDirTree(fsys, src, dst, sync)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("txn: %q: %w", src, errUnsupportedEntry)
	}

	return copyFile(fsys, src, dst, info.Mode().Perm(), sync)
}

func copyDirTree(fsys fs.FS, src, dst string, sync bool) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return fmt.Errorf("txn: stat dir %q: %w", src, err)
	}

	if err := fsys.MkdirAll(dst, info.Mode().Perm()|0o100); err != nil {
		return fmt.Errorf("txn: mkdir copy dest %q: %w", dst, err)
	}

	entries, err := fsys.ReadDir(src)
	if err != nil {
		return fmt.Errorf("txn: read dir %q: %w", src, err)
	}

	for _, e := range entries {
		childSrc := filepath.Join(src, e.Name())
		childDst := filepath.Join(dst, e.Name())

		mode := e.Type()

		switch {
		case mode.IsDir():
			if err := copyDirTree(fsys, childSrc, childDst, sync); err != nil {
				return err
			}
		case mode.IsRegular():
			fi, err := fsys.Stat(childSrc)
			if err != nil {
				return fmt.Errorf("txn: stat %q: %w", childSrc, err)
			}

			if err := copyFile(fsys, childSrc, childDst, fi.Mode().Perm(), sync); err != nil {
				return err
			}
		default:
			return fmt.Errorf("txn: %q: %w", childSrc, errUnsupportedEntry)
		}
	}

	return nil
}

// moveOrCopy moves src to dst, preferring an atomic same-filesystem rename.
// On EXDEV (cross-device) or EPERM it falls back to copy-then-delete, per
// the commit-execute fallback spec calls for on WRITE/RENAME application.
// Either way, dst's parent directory is fsynced before return so the new
// directory entry survives a crash (spec.md §4.6's durability barrier
// applies to commit-execute, not just the journal write).
func moveOrCopy(fsys fs.FS, src, dst string, perm os.FileMode) error {
	dstDir := filepath.Dir(dst)

	if err := fsys.MkdirAll(dstDir, 0o750); err != nil {
		return fmt.Errorf("txn: mkdir for move dest %q: %w", dst, err)
	}

	err := fsys.Rename(src, dst)
	if err == nil {
		return syncDir(fsys, dstDir)
	}

	if !errors.Is(err, syscall.EXDEV) && !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("txn: move %q to %q: %w", src, dst, err)
	}

	if copyErr := copyFile(fsys, src, dst, perm, true); copyErr != nil {
		return fmt.Errorf("txn: fallback copy %q to %q: %w", src, dst, copyErr)
	}

	if rmErr := fsys.Remove(src); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("txn: remove move source %q after fallback copy: %w", src, rmErr)
	}

	return syncDir(fsys, dstDir)
}

// syncDir fsyncs dir itself, the mechanism a directory entry change (create,
// rename, unlink) needs to survive a crash on POSIX filesystems. Mirrors
// pkg/fs.AtomicWriter's own directory-sync step, duplicated here because
// that helper is unexported and this package moves already-written staged
// files rather than streaming fresh content through a temp file.
func syncDir(fsys fs.FS, dir string) error {
	f, err := fsys.Open(dir)
	if err != nil {
		return fmt.Errorf("txn: open dir %q for sync: %w", dir, err)
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("txn: sync dir %q: %w", dir, err)
	}

	return nil
}
