// Package txn implements the Operation Layer and Transaction Engine
// (spec.md §4.5, §4.6): per-operation locking and staging/journal
// mutation, and the two-phase begin/commit/rollback sequence built on top
// of [journal.Store], [staging.Area], and [lockmgr.Manager].
//
// Grounded on internal/store/tx.go's Tx type (Begin/Put/Delete/Commit/
// Rollback and its two-phase writeWAL-then-apply commit sequence),
// generalized from "one fixed ticket mutation" to "an arbitrary sequence of
// write/append/remove/mkdir/rename/copy operations over arbitrary paths".
package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/internal/lockmgr"
	"github.com/calvinalkan/txfs/internal/pathguard"
	"github.com/calvinalkan/txfs/internal/staging"
	"github.com/calvinalkan/txfs/pkg/fs"
)

// Logger is the minimal diagnostic seam this package needs. It is
// structurally compatible with the txfs.Logger interface the root package
// defines, without importing it (which would create an import cycle) —
// any *txfs.Logger implementation satisfies this automatically.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// heldLock tracks one lock this transaction currently holds, so repeated
// operations against the same resource within a single Tx don't attempt to
// re-acquire (and self-deadlock on) a lock it already has.
type heldLock struct {
	h         *lockmgr.Held
	exclusive bool
}

// Tx is one open transaction: in-memory mirror of its journal record, the
// locks it currently holds, and the staging area backing its uncommitted
// writes.
type Tx struct {
	mu sync.Mutex

	id string

	fsys        fs.FS
	base        string
	guard       *pathguard.Guard
	jstore      *journal.Store
	area        *staging.Area
	locks       *lockmgr.Manager
	lockTimeout time.Duration
	logger      Logger

	rec           journal.Record
	held          map[string]*heldLock
	tempResources []string
	closed        bool
}

// Deps bundles the collaborators a Tx needs, so Begin and Recover share one
// construction path instead of each taking a long parameter list.
type Deps struct {
	FS          fs.FS
	Base        string
	Guard       *pathguard.Guard
	Journal     *journal.Store
	StagingRoot string
	Locks       *lockmgr.Manager
	LockTimeout time.Duration
	Logger      Logger
}

func (d Deps) logger() Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return nopLogger{}
}

// Begin creates a fresh transaction: a new id, an empty staging directory,
// and an IN_PROGRESS journal record written non-durably (spec.md §4.6 only
// requires the PREPARED write, at commit, to be durable).
func Begin(ctx context.Context, d Deps) (*Tx, error) {
	id := uuid.New().String()

	area := staging.New(d.FS, d.StagingRoot, id)
	if err := area.Ensure(); err != nil {
		return nil, fmt.Errorf("txn: begin %s: %w", id, err)
	}

	rec := journal.NewRecord(id)

	if err := d.Journal.Write(ctx, rec, false); err != nil {
		return nil, fmt.Errorf("txn: begin %s: write initial journal: %w", id, err)
	}

	return &Tx{
		id:          id,
		fsys:        d.FS,
		base:        d.Base,
		guard:       d.Guard,
		jstore:      d.Journal,
		area:        area,
		locks:       d.Locks,
		lockTimeout: d.LockTimeout,
		logger:      d.logger(),
		rec:         rec,
		held:        make(map[string]*heldLock),
	}, nil
}

// ID returns the transaction's identifier.
func (tx *Tx) ID() string {
	return tx.id
}

// withTimeout derives a context bounded by the lock timeout, for lock
// acquisition call sites (spec.md §4.2's "default 10s" contention timeout).
func (tx *Tx) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if tx.lockTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, tx.lockTimeout)
}

// ensureLock acquires a lock on resourcePath unless this Tx already holds
// one sufficient for the request (shared is sufficient for a shared
// request; only exclusive satisfies an exclusive request). A
// previously-shared hold is upgraded by releasing and re-acquiring
// exclusively — safe here because the only other party that could observe
// the gap is a different transaction, which is exactly who the lock is
// meant to serialize against.
func (tx *Tx) ensureLock(ctx context.Context, resourcePath string, exclusive bool) error {
	tx.mu.Lock()
	existing, ok := tx.held[resourcePath]
	tx.mu.Unlock()

	if ok && (existing.exclusive || !exclusive) {
		return nil
	}

	lockCtx, cancel := tx.withTimeout(ctx)
	defer cancel()

	if ok && !existing.exclusive && exclusive {
		if err := tx.locks.Release(existing.h); err != nil {
			tx.logger.Warnf("txn: %s: release shared lock on %q before upgrade: %v", tx.id, resourcePath, err)
		}
	}

	h, err := tx.acquireFresh(lockCtx, resourcePath, exclusive)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrLockTimeout, resourcePath, err)
	}

	tx.mu.Lock()
	tx.held[resourcePath] = &heldLock{h: h, exclusive: exclusive}
	if h.TempResource != "" {
		tx.tempResources = append(tx.tempResources, h.TempResource)
	}
	tx.mu.Unlock()

	return nil
}

func (tx *Tx) acquireFresh(ctx context.Context, resourcePath string, exclusive bool) (*lockmgr.Held, error) {
	if exclusive {
		return tx.locks.AcquireExclusive(ctx, resourcePath)
	}

	return tx.locks.AcquireShared(ctx, resourcePath)
}

// ensureLocksSorted acquires exclusive locks on every path in paths, in
// sorted order, to preclude lock-ordering cycles between operations that
// need more than one resource (spec.md §4.2's "Ordering" rule). Locks
// already held by this Tx are reused via [Tx.ensureLock]'s dedup.
func (tx *Tx) ensureLocksSorted(ctx context.Context, paths ...string) error {
	sorted := append([]string(nil), paths...)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	for _, p := range sorted {
		if err := tx.ensureLock(ctx, p, true); err != nil {
			return err
		}
	}

	return nil
}

// appendOp adds op to the in-memory operation list (if not already a
// no-op duplicate per the journal's append-once rule) and persists the
// updated record non-durably.
func (tx *Tx) appendOp(ctx context.Context, op journal.Operation) error {
	tx.mu.Lock()

	switch op.Kind {
	case journal.OpWrite, journal.OpMkdir, journal.OpRemove:
		if hasOp(tx.rec.Operations, op.Kind, op.Path) {
			tx.mu.Unlock()

			return nil
		}
	}

	tx.rec.Operations = append(tx.rec.Operations, op)
	rec := tx.rec
	tx.mu.Unlock()

	if err := tx.jstore.Write(ctx, rec, false); err != nil {
		return fmt.Errorf("txn: %s: persist operation: %w", tx.id, err)
	}

	return nil
}

// recordSnapshot notes that rel's pre-transaction content was backed up,
// both in memory and durably in the journal.
func (tx *Tx) recordSnapshot(ctx context.Context, rel, snapshotRelPath string) error {
	tx.mu.Lock()
	tx.rec.Snapshots[rel] = snapshotRelPath
	rec := tx.rec
	tx.mu.Unlock()

	if err := tx.jstore.Write(ctx, rec, false); err != nil {
		return fmt.Errorf("txn: %s: persist snapshot record: %w", tx.id, err)
	}

	return nil
}

func (tx *Tx) checkOpen() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.closed {
		return ErrTxClosed
	}

	return nil
}

// Commit runs the two-phase commit sequence: durably mark the journal
// PREPARED (the barrier past which a crash rolls forward instead of back),
// then apply every operation to the base directory, then mark COMMITTED
// and clean up.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.rec.Status = journal.StatusPrepared
	rec := tx.rec
	tx.mu.Unlock()

	if err := tx.jstore.Write(ctx, rec, true); err != nil {
		return fmt.Errorf("txn: %s: prepare: %w", tx.id, err)
	}

	if err := applyOperations(ctx, tx.fsys, tx.base, tx.area.Dir(), rec.Operations, tx.logger, tx.id, true); err != nil {
		return fmt.Errorf("txn: %s: commit-execute: %w (transaction left PREPARED for recovery)", tx.id, err)
	}

	tx.mu.Lock()
	tx.rec.Status = journal.StatusCommitted
	rec = tx.rec
	tx.mu.Unlock()

	if err := tx.jstore.Write(ctx, rec, false); err != nil {
		tx.logger.Warnf("txn: %s: mark committed: %v", tx.id, err)
	}

	return tx.finish()
}

// Rollback restores any snapshot entries, removes temporary lock-anchor
// resources, and tears down staging and the journal. It never fails the
// caller: individual step failures are logged and rollback proceeds.
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}

	tx.mu.Lock()
	rec := tx.rec
	temp := append([]string(nil), tx.tempResources...)
	tx.mu.Unlock()

	restoreSnapshots(ctx, tx.fsys, tx.base, tx.area.Dir(), rec.Snapshots, tx.logger)

	for _, p := range temp {
		if err := tx.fsys.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			tx.logger.Warnf("txn: %s: remove temporary resource %q: %v", tx.id, p, err)
		}
	}

	tx.mu.Lock()
	tx.rec.Status = journal.StatusRolledBack
	rec = tx.rec
	tx.mu.Unlock()

	if err := tx.jstore.Write(ctx, rec, false); err != nil {
		tx.logger.Warnf("txn: %s: mark rolled back: %v", tx.id, err)
	}

	return tx.finish()
}

// finish releases all locks and removes the staging directory and journal
// record, per I5/I6. Shared by both Commit and Rollback.
func (tx *Tx) finish() error {
	tx.mu.Lock()
	tx.closed = true
	held := make([]*lockmgr.Held, 0, len(tx.held))

	for _, hl := range tx.held {
		held = append(held, hl.h)
	}

	tx.held = nil
	tx.mu.Unlock()

	tx.locks.ReleaseAll(held)

	if err := tx.area.RemoveAll(); err != nil {
		tx.logger.Warnf("txn: %s: remove staging directory: %v", tx.id, err)
	}

	if err := tx.jstore.Delete(tx.id); err != nil {
		tx.logger.Warnf("txn: %s: delete journal record: %v", tx.id, err)
	}

	return nil
}

// restoreSnapshots copies every snapshot back over its base-directory
// target. A missing snapshot is logged and skipped rather than treated as
// fatal (spec.md §4.6 rollback step 1: "I3 can be violated by external
// tampering; recover partially").
func restoreSnapshots(_ context.Context, fsys fs.FS, base, stagingDir string, snapshots map[string]string, logger Logger) {
	for rel, snapRel := range snapshots {
		snapAbs := filepath.Join(stagingDir, filepath.FromSlash(snapRel))

		exists, err := fsys.Exists(snapAbs)
		if err != nil {
			logger.Warnf("txn: check snapshot %q: %v", snapAbs, err)

			continue
		}

		if !exists {
			logger.Warnf("txn: snapshot for %q missing at %q, skipping restore", rel, snapAbs)

			continue
		}

		dst := filepath.Join(base, filepath.FromSlash(rel))

		if err := fsys.RemoveAll(dst); err != nil {
			logger.Warnf("txn: clear restore target %q: %v", dst, err)

			continue
		}

		if err := copyTree(fsys, snapAbs, dst, false); err != nil {
			logger.Warnf("txn: restore snapshot %q to %q: %v", snapAbs, dst, err)
		}
	}
}

// applyOperations replays ops against base in order, applying the same
// per-kind semantics commit-execute and recovery roll-forward share. strict
// controls what happens when a step's staging source has gone missing:
// true (a fresh Commit, which just crossed the prepare barrier and should
// never have partially-applied state yet) fails the whole replay with
// [ErrStagingMissing]; false (recovery's roll-forward of a transaction that
// may have crashed mid-apply) logs and skips that op, per spec.md §4.7.
func applyOperations(ctx context.Context, fsys fs.FS, base, stagingDir string, ops []journal.Operation, logger Logger, txid string, strict bool) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context: %w", err)
		}

		if err := applyOne(fsys, base, stagingDir, op, logger, txid, strict); err != nil {
			return err
		}
	}

	return nil
}

const (
	stagingMissingRetries = 3
	stagingMissingWait    = 10 * time.Millisecond
)

// stagingSourceExists checks for a staging artifact with a small bounded
// retry, absorbing the "missing just after create" propagation artefacts
// spec.md §4.6 allows for before declaring [ErrStagingMissing].
func stagingSourceExists(fsys fs.FS, path string) (bool, error) {
	var (
		exists bool
		err    error
	)

	for attempt := 0; attempt < stagingMissingRetries; attempt++ {
		exists, err = fsys.Exists(path)
		if err != nil {
			return false, err
		}

		if exists {
			return true, nil
		}

		if attempt < stagingMissingRetries-1 {
			time.Sleep(stagingMissingWait)
		}
	}

	return false, nil
}

func applyOne(fsys fs.FS, base, stagingDir string, op journal.Operation, logger Logger, txid string, strict bool) error {
	switch op.Kind {
	case journal.OpWrite:
		return applyWriteOrRename(fsys, base, stagingDir, op.Path, logger, txid, strict)
	case journal.OpRemove:
		target := filepath.Join(base, filepath.FromSlash(op.Path))
		if err := fsys.RemoveAll(target); err != nil {
			return fmt.Errorf("apply RM %q: %w", op.Path, err)
		}

		if err := syncDir(fsys, filepath.Dir(target)); err != nil {
			return fmt.Errorf("apply RM %q: %w", op.Path, err)
		}

		return nil
	case journal.OpMkdir:
		target := filepath.Join(base, filepath.FromSlash(op.Path))
		if err := fsys.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("apply MKDIR %q: %w", op.Path, err)
		}

		if err := syncDir(fsys, filepath.Dir(target)); err != nil {
			return fmt.Errorf("apply MKDIR %q: %w", op.Path, err)
		}

		return nil
	case journal.OpRename:
		if err := applyWriteOrRename(fsys, base, stagingDir, op.To, logger, txid, strict); err != nil {
			return fmt.Errorf("apply RENAME %q->%q: %w", op.From, op.To, err)
		}

		from := filepath.Join(base, filepath.FromSlash(op.From))
		if err := fsys.RemoveAll(from); err != nil {
			return fmt.Errorf("apply RENAME %q->%q: remove source: %w", op.From, op.To, err)
		}

		if err := syncDir(fsys, filepath.Dir(from)); err != nil {
			return fmt.Errorf("apply RENAME %q->%q: %w", op.From, op.To, err)
		}

		return nil
	case journal.OpCopy:
		stagedTo := filepath.Join(stagingDir, filepath.FromSlash(op.To))

		exists, err := stagingSourceExists(fsys, stagedTo)
		if err != nil {
			return fmt.Errorf("apply CP %q->%q: %w", op.From, op.To, err)
		}

		if !exists {
			if strict {
				return fmt.Errorf("apply CP %q->%q: txn %s: staging source %s: %w", op.From, op.To, txid, stagedTo, ErrStagingMissing)
			}

			logger.Warnf("txn: staging source %q missing for CP %q->%q, skipping", stagedTo, op.From, op.To)

			return nil
		}

		dst := filepath.Join(base, filepath.FromSlash(op.To))
		if err := fsys.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return fmt.Errorf("apply CP %q->%q: %w", op.From, op.To, err)
		}

		if err := copyTree(fsys, stagedTo, dst, true); err != nil {
			return fmt.Errorf("apply CP %q->%q: %w", op.From, op.To, err)
		}

		if err := syncDir(fsys, filepath.Dir(dst)); err != nil {
			return fmt.Errorf("apply CP %q->%q: %w", op.From, op.To, err)
		}

		return nil
	default:
		return fmt.Errorf("apply: unknown operation kind %q", op.Kind)
	}
}

// applyWriteOrRename moves the staged artifact at <stagingDir>/<rel> onto
// <base>/<rel>, preferring rename with a copy-then-delete fallback. strict
// selects what a missing staging source means: true (fresh commit-execute)
// fails with [ErrStagingMissing] naming the transaction id and path, per
// spec.md §4.6/§7; false (recovery roll-forward) logs and skips the op,
// since the prior crash may have already applied it before going down.
func applyWriteOrRename(fsys fs.FS, base, stagingDir, rel string, logger Logger, txid string, strict bool) error {
	src := filepath.Join(stagingDir, filepath.FromSlash(rel))

	exists, err := stagingSourceExists(fsys, src)
	if err != nil {
		return fmt.Errorf("check staging source %q: %w", src, err)
	}

	if !exists {
		if strict {
			return fmt.Errorf("apply %q: txn %s: staging source %s: %w", rel, txid, src, ErrStagingMissing)
		}

		logger.Warnf("txn: staging source %q missing, skipping", src)

		return nil
	}

	dst := filepath.Join(base, filepath.FromSlash(rel))

	info, statErr := fsys.Stat(src)
	if statErr != nil {
		return fmt.Errorf("stat staging source %q: %w", src, statErr)
	}

	if info.IsDir() {
		if err := fsys.RemoveAll(dst); err != nil {
			return fmt.Errorf("clear destination %q for directory move: %w", dst, err)
		}

		if err := copyTree(fsys, src, dst, true); err != nil {
			return fmt.Errorf("move directory %q to %q: %w", src, dst, err)
		}

		if err := syncDir(fsys, filepath.Dir(dst)); err != nil {
			return fmt.Errorf("sync destination parent %q for directory move: %w", filepath.Dir(dst), err)
		}

		if err := fsys.RemoveAll(src); err != nil {
			logger.Warnf("txn: remove staged source %q after copy: %v", src, err)
		}

		return nil
	}

	if err := moveOrCopy(fsys, src, dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("move %q to %q: %w", src, dst, err)
	}

	return nil
}
