package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	stdpath "path"

	"github.com/calvinalkan/txfs/internal/journal"
)

// parentRel returns the slash-form parent of a slash-form relative path,
// or "" for a top-level entry (meaning: the base directory itself).
func parentRel(rel string) string {
	d := stdpath.Dir(rel)
	if d == "." {
		return ""
	}

	return d
}

func (tx *Tx) opsSnapshot() []journal.Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return append([]journal.Operation(nil), tx.rec.Operations...)
}

func (tx *Tx) existsTxAware(rel string) (bool, error) {
	return existsTxAware(tx.opsSnapshot(), tx.area, tx.fsys, tx.base, rel)
}

// Write stages data at p, exclusively locking the existing file or, if p
// doesn't exist yet on disk, its parent directory (spec.md §4.5's write).
func (tx *Tx) Write(ctx context.Context, p string, data []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return err
	}

	absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

	existsOnDisk, err := tx.fsys.Exists(absBase)
	if err != nil {
		return fmt.Errorf("txn: write %q: %w", p, err)
	}

	lockTarget := rel
	if !existsOnDisk {
		lockTarget = parentRel(rel)
	}

	if err := tx.ensureLock(ctx, lockTarget, true); err != nil {
		return fmt.Errorf("txn: write %q: %w", p, err)
	}

	if err := tx.area.WriteFile(rel, data); err != nil {
		return fmt.Errorf("txn: write %q: %w", p, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpWrite, Path: rel})
}

// Append reads the current contents of p (staging if present, else base,
// else empty), concatenates data, and writes the result to staging,
// journaling it as a WRITE (spec.md §4.5's append).
func (tx *Tx) Append(ctx context.Context, p string, data []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return err
	}

	if err := tx.ensureLock(ctx, rel, true); err != nil {
		return fmt.Errorf("txn: append %q: %w", p, err)
	}

	current, ok, err := tx.area.ReadFile(rel)
	if err != nil {
		return fmt.Errorf("txn: append %q: %w", p, err)
	}

	if !ok {
		absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

		baseData, readErr := tx.fsys.ReadFile(absBase)
		if readErr != nil && !os.IsNotExist(readErr) {
			return fmt.Errorf("txn: append %q: %w", p, readErr)
		}

		current = baseData
	}

	combined := make([]byte, 0, len(current)+len(data))
	combined = append(combined, current...)
	combined = append(combined, data...)

	if err := tx.area.WriteFile(rel, combined); err != nil {
		return fmt.Errorf("txn: append %q: %w", p, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpWrite, Path: rel})
}

// Read returns p's current transaction-local content: staging if present,
// else base. Fails with [ErrTargetMissing] if neither exists.
func (tx *Tx) Read(ctx context.Context, p string) ([]byte, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return nil, err
	}

	if err := tx.ensureLock(ctx, rel, false); err != nil {
		return nil, fmt.Errorf("txn: read %q: %w", p, err)
	}

	data, ok, err := tx.area.ReadFile(rel)
	if err != nil {
		return nil, fmt.Errorf("txn: read %q: %w", p, err)
	}

	if ok {
		return data, nil
	}

	absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

	data, err = tx.fsys.ReadFile(absBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("txn: read %q: %w", p, ErrTargetMissing)
		}

		return nil, fmt.Errorf("txn: read %q: %w", p, err)
	}

	return data, nil
}

// Remove journals an RM for p (idempotent) without touching the base
// directory directly; removal is applied at commit-execute. If recursive
// is false and p is currently a non-empty directory, it fails up front.
func (tx *Tx) Remove(ctx context.Context, p string, recursive bool) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return err
	}

	if !recursive {
		nonEmpty, err := tx.baseDirNonEmpty(rel)
		if err != nil {
			return fmt.Errorf("txn: remove %q: %w", p, err)
		}

		if nonEmpty {
			return fmt.Errorf("txn: remove %q: %w: directory not empty and recursive=false", p, ErrUnderlyingIO)
		}
	}

	if err := tx.ensureLock(ctx, parentRel(rel), true); err != nil {
		return fmt.Errorf("txn: remove %q: %w", p, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpRemove, Path: rel})
}

func (tx *Tx) baseDirNonEmpty(rel string) (bool, error) {
	absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

	info, err := tx.fsys.Stat(absBase)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	if !info.IsDir() {
		return false, nil
	}

	entries, err := tx.fsys.ReadDir(absBase)
	if err != nil {
		return false, err
	}

	return len(entries) > 0, nil
}

// Mkdir journals a MKDIR for p. If recursive is false, p's parent must
// already exist under transaction-aware existence.
func (tx *Tx) Mkdir(ctx context.Context, p string, recursive bool) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return err
	}

	parent := parentRel(rel)

	if err := tx.ensureLock(ctx, parent, true); err != nil {
		return fmt.Errorf("txn: mkdir %q: %w", p, err)
	}

	if !recursive && parent != "" {
		exists, err := tx.existsTxAware(parent)
		if err != nil {
			return fmt.Errorf("txn: mkdir %q: %w", p, err)
		}

		if !exists {
			return fmt.Errorf("txn: mkdir %q: %w: parent directory does not exist", p, ErrUnderlyingIO)
		}
	}

	if err := tx.area.MkdirRel(rel, recursive); err != nil {
		return fmt.Errorf("txn: mkdir %q: %w", p, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpMkdir, Path: rel})
}

// Exists reports p's transaction-aware existence. It acquires no locks.
func (tx *Tx) Exists(_ context.Context, p string) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return false, err
	}

	return tx.existsTxAware(rel)
}

// Rename stages new as a copy of old's current content and journals a
// RENAME; old is only removed from the base directory at commit-execute
// (spec.md §4.5's rename).
func (tx *Tx) Rename(ctx context.Context, oldP, newP string) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	oldRel, err := tx.guard.Rel(oldP)
	if err != nil {
		return err
	}

	newRel, err := tx.guard.Rel(newP)
	if err != nil {
		return err
	}

	existsOld, err := tx.existsTxAware(oldRel)
	if err != nil {
		return fmt.Errorf("txn: rename %q -> %q: %w", oldP, newP, err)
	}

	if !existsOld {
		return fmt.Errorf("txn: rename %q -> %q: %w", oldP, newP, ErrSourceMissing)
	}

	if err := tx.ensureLocksSorted(ctx, parentRel(oldRel), parentRel(newRel)); err != nil {
		return fmt.Errorf("txn: rename %q -> %q: %w", oldP, newP, err)
	}

	if err := tx.snapshotOverwriteTarget(ctx, newRel); err != nil {
		return fmt.Errorf("txn: rename %q -> %q: %w", oldP, newP, err)
	}

	if err := tx.materializeStagedCopy(oldRel, newRel); err != nil {
		return fmt.Errorf("txn: rename %q -> %q: %w", oldP, newP, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpRename, From: oldRel, To: newRel})
}

// Copy stages dst as a copy of src's current content and journals a CP;
// src is left untouched in the base directory, both during the
// transaction and after commit (spec.md §4.5's copy).
func (tx *Tx) Copy(ctx context.Context, srcP, dstP string, recursive bool) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	srcRel, err := tx.guard.Rel(srcP)
	if err != nil {
		return err
	}

	dstRel, err := tx.guard.Rel(dstP)
	if err != nil {
		return err
	}

	existsSrc, err := tx.existsTxAware(srcRel)
	if err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	if !existsSrc {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, ErrSourceMissing)
	}

	if err := tx.ensureLock(ctx, srcRel, false); err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	if err := tx.ensureLock(ctx, parentRel(dstRel), true); err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	srcAbs := tx.area.Path(srcRel)

	srcStaged, err := tx.area.Exists(srcRel)
	if err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	if !srcStaged {
		srcAbs = filepath.Join(tx.base, filepath.FromSlash(srcRel))
	}

	info, err := tx.fsys.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	if info.IsDir() && !recursive {
		return fmt.Errorf("txn: copy %q -> %q: %w: source is a directory and recursive=false", srcP, dstP, ErrUnderlyingIO)
	}

	if err := tx.snapshotOverwriteTarget(ctx, dstRel); err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	if err := copyTree(tx.fsys, srcAbs, tx.area.Path(dstRel), false); err != nil {
		return fmt.Errorf("txn: copy %q -> %q: %w", srcP, dstP, err)
	}

	return tx.appendOp(ctx, journal.Operation{Kind: journal.OpCopy, From: srcRel, To: dstRel})
}

// SnapshotDir backs up the base-directory content of directory p under
// staging's "_snapshots" tree, for callers who want explicit rollback
// protection before mutating p via non-overwriting operations (spec.md
// §4.5's snapshot_dir). It adds no journal operation entry.
func (tx *Tx) SnapshotDir(ctx context.Context, p string) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	rel, err := tx.guard.Rel(p)
	if err != nil {
		return err
	}

	absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

	info, err := tx.fsys.Stat(absBase)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("txn: snapshot_dir %q: %w", p, ErrSourceMissing)
		}

		return fmt.Errorf("txn: snapshot_dir %q: %w", p, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("txn: snapshot_dir %q: %w: not a directory", p, ErrUnderlyingIO)
	}

	if err := tx.ensureLock(ctx, rel, false); err != nil {
		return fmt.Errorf("txn: snapshot_dir %q: %w", p, err)
	}

	if err := copyTree(tx.fsys, absBase, tx.area.SnapshotPath(rel), false); err != nil {
		return fmt.Errorf("txn: snapshot_dir %q: %w", p, err)
	}

	return tx.recordSnapshot(ctx, rel, filepath.Join("_snapshots", rel))
}

// snapshotOverwriteTarget backs up rel's current base-directory content
// (if any) before rename/copy overwrites it in staging, so rollback can
// restore it.
func (tx *Tx) snapshotOverwriteTarget(ctx context.Context, rel string) error {
	existsDst, err := tx.existsTxAware(rel)
	if err != nil {
		return err
	}

	if !existsDst {
		return nil
	}

	absBase := filepath.Join(tx.base, filepath.FromSlash(rel))

	onDisk, err := tx.fsys.Exists(absBase)
	if err != nil {
		return err
	}

	if !onDisk {
		return nil
	}

	if err := copyTree(tx.fsys, absBase, tx.area.SnapshotPath(rel), false); err != nil {
		return err
	}

	return tx.recordSnapshot(ctx, rel, filepath.Join("_snapshots", rel))
}

// materializeStagedCopy copies oldRel's current content (staging if
// present, else base) into staging at newRel, for rename.
func (tx *Tx) materializeStagedCopy(oldRel, newRel string) error {
	stagedOld, err := tx.area.Exists(oldRel)
	if err != nil {
		return err
	}

	src := tx.area.Path(oldRel)
	if !stagedOld {
		src = filepath.Join(tx.base, filepath.FromSlash(oldRel))
	}

	return copyTree(tx.fsys, src, tx.area.Path(newRel), false)
}
