// Package lockmgr serializes conflicting filesystem accesses by path.
//
// It wraps [fs.Locker] (flock-based per-path locks) with the resource model
// spec.md §4.2 describes: each distinct base-directory-relative resource path
// gets a stable, filesystem-safe lockfile name derived by hashing the path,
// and locking a path that doesn't exist yet transparently materializes a
// placeholder to anchor the flock, which the caller is responsible for
// deleting on rollback.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/calvinalkan/txfs/pkg/fs"
)

// crc32Table is the same Castagnoli table the journal package uses for
// content checksums; reusing it here avoids pulling in a second hash
// algorithm purely for lockfile names.
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// Manager serializes access to paths under a single base directory using
// hashed, per-resource lockfiles under locksDir.
type Manager struct {
	fsys     fs.FS
	locker   *fs.Locker
	baseDir  string
	locksDir string
	timeout  func() context.Context
}

// New returns a Manager anchoring lockfiles under locksDir (typically
// "<B>/.tx/locks") and resolving placeholder targets relative to baseDir.
func New(fsys fs.FS, baseDir, locksDir string) *Manager {
	return &Manager{
		fsys:     fsys,
		locker:   fs.NewLocker(fsys),
		baseDir:  baseDir,
		locksDir: locksDir,
	}
}

// Held represents one acquired resource lock. Call [Manager.Release] (or
// [Manager.ReleaseAll]) to release it.
type Held struct {
	ResourcePath string // base-directory-relative path the lock protects
	lock         *fs.Lock

	// TempResource is the absolute path of a placeholder file or directory
	// this Manager materialized solely to anchor the lock, or "" if the
	// resource already existed. Callers must track this and remove it on
	// rollback (spec.md §3's "temporary resources" set).
	TempResource string
}

// AcquireShared acquires a shared lock on resourcePath (base-relative),
// retrying until ctx is done. See spec.md §4.2 for shared/exclusive
// selection rules.
func (m *Manager) AcquireShared(ctx context.Context, resourcePath string) (*Held, error) {
	return m.acquire(ctx, resourcePath, false)
}

// AcquireExclusive acquires an exclusive lock on resourcePath (base-relative),
// retrying until ctx is done.
func (m *Manager) AcquireExclusive(ctx context.Context, resourcePath string) (*Held, error) {
	return m.acquire(ctx, resourcePath, true)
}

// AcquireManyExclusive acquires exclusive locks on every path in
// resourcePaths, in sorted order, to preclude lock-ordering cycles between
// operations that each need more than one lock (spec.md §4.2's "Ordering"
// rule, enforced by the caller — here, by this helper — not by the lock
// primitive itself). On failure, any locks already acquired are released
// before returning the error.
func (m *Manager) AcquireManyExclusive(ctx context.Context, resourcePaths []string) ([]*Held, error) {
	sorted := sortedUnique(resourcePaths)

	held := make([]*Held, 0, len(sorted))

	for _, p := range sorted {
		h, err := m.AcquireExclusive(ctx, p)
		if err != nil {
			m.ReleaseAll(held)

			return nil, err
		}

		held = append(held, h)
	}

	return held, nil
}

func (m *Manager) acquire(ctx context.Context, resourcePath string, exclusive bool) (*Held, error) {
	absPath := filepath.Join(m.baseDir, resourcePath)

	tempResource, err := m.materializePlaceholder(absPath)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: materialize placeholder for %q: %w", resourcePath, err)
	}

	lockPath := filepath.Join(m.locksDir, lockFileName(resourcePath))

	var lock *fs.Lock
	if exclusive {
		lock, err = m.locker.Lock(ctx, lockPath)
	} else {
		lock, err = m.locker.RLock(ctx, lockPath)
	}

	if err != nil {
		if tempResource != "" {
			_ = removePlaceholder(m.fsys, tempResource)
		}

		if errors.Is(err, fs.ErrWouldBlock) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lockmgr: acquire lock on %q: %w", resourcePath, err)
		}

		return nil, fmt.Errorf("lockmgr: acquire lock on %q: %w", resourcePath, err)
	}

	return &Held{ResourcePath: resourcePath, lock: lock, TempResource: tempResource}, nil
}

// Release releases a single held lock. It is idempotent: releasing an
// already-released Held, or one whose lockfile is already gone, succeeds.
func (m *Manager) Release(h *Held) error {
	if h == nil || h.lock == nil {
		return nil
	}

	err := h.lock.Close()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lockmgr: release %q: %w", h.ResourcePath, err)
	}

	return nil
}

// ReleaseAll releases every lock in held, best-effort, continuing past
// individual failures. It never fails the caller (spec.md §4.2's
// "release_all is idempotent and must not fail").
func (m *Manager) ReleaseAll(held []*Held) {
	for _, h := range held {
		_ = m.Release(h)
	}
}

// materializePlaceholder creates an empty file or directory at absPath if
// nothing exists there yet, so the lockfile primitive (which requires its
// target to exist, directly or via parent-directory creation) has a path to
// lock. Returns the created path, or "" if absPath already existed.
func (m *Manager) materializePlaceholder(absPath string) (string, error) {
	exists, err := m.fsys.Exists(absPath)
	if err != nil {
		return "", err
	}

	if exists {
		return "", nil
	}

	if err := m.fsys.MkdirAll(filepath.Dir(absPath), 0o750); err != nil {
		return "", err
	}

	if filepath.Ext(absPath) != "" {
		f, err := m.fsys.OpenFile(absPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return "", nil
			}

			return "", err
		}

		_ = f.Close()

		return absPath, nil
	}

	if err := m.fsys.MkdirAll(absPath, 0o750); err != nil {
		return "", err
	}

	return absPath, nil
}

func removePlaceholder(fsys fs.FS, path string) error {
	err := fsys.RemoveAll(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func lockFileName(resourcePath string) string {
	sum := crc32.Checksum([]byte(filepath.ToSlash(resourcePath)), crc32Table)

	return fmt.Sprintf("%08x.lock", sum)
}

func sortedUnique(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))

	out := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	sort.Strings(out)

	return out
}
