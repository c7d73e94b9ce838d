package txfs

import (
	"context"

	"github.com/calvinalkan/txfs/internal/txn"
)

// Tx is the transaction handle a [ScopeFunc] receives: every method is
// relative to the manager's base directory and confined to it (spec.md
// §4.1), and semantics follow transaction-aware existence (spec.md §4.5).
//
// A Tx is only valid for the duration of the [ScopeFunc] call it was
// passed to; using it afterward returns [ErrTxClosed].
type Tx struct {
	inner *txn.Tx
}

// ID returns the transaction's identifier.
func (tx *Tx) ID() string {
	return tx.inner.ID()
}

// Read returns p's current transaction-local content: staging if present,
// else the base directory. Fails with [ErrTargetMissing] if neither has it.
func (tx *Tx) Read(ctx context.Context, p string) ([]byte, error) {
	return tx.inner.Read(ctx, p)
}

// Write stages data at p, replacing it at commit.
func (tx *Tx) Write(ctx context.Context, p string, data []byte) error {
	return tx.inner.Write(ctx, p, data)
}

// Append concatenates data onto p's current content (staging, else base,
// else empty) and stages the result.
func (tx *Tx) Append(ctx context.Context, p string, data []byte) error {
	return tx.inner.Append(ctx, p, data)
}

// Remove journals p for deletion at commit. If recursive is false and p is
// currently a non-empty directory, it fails immediately instead of at
// commit time.
func (tx *Tx) Remove(ctx context.Context, p string, recursive bool) error {
	return tx.inner.Remove(ctx, p, recursive)
}

// Mkdir journals p for creation at commit. If recursive is false, p's
// parent must already exist under transaction-aware existence.
func (tx *Tx) Mkdir(ctx context.Context, p string, recursive bool) error {
	return tx.inner.Mkdir(ctx, p, recursive)
}

// Exists reports p's transaction-aware existence: journal overrides
// staging overrides the base directory. It acquires no locks.
func (tx *Tx) Exists(ctx context.Context, p string) (bool, error) {
	return tx.inner.Exists(ctx, p)
}

// Rename stages new as old's current content and journals old's removal at
// commit. old must exist (transaction-aware) or this fails with
// [ErrSourceMissing].
func (tx *Tx) Rename(ctx context.Context, old, newPath string) error {
	return tx.inner.Rename(ctx, old, newPath)
}

// Copy stages dst as a copy of src's current content; src is left intact,
// both within the transaction and after commit. src must exist
// (transaction-aware) or this fails with [ErrSourceMissing].
func (tx *Tx) Copy(ctx context.Context, src, dst string, recursive bool) error {
	return tx.inner.Copy(ctx, src, dst, recursive)
}

// SnapshotDir backs up directory p's current base-directory content so a
// rollback can restore it, without journaling any operation against p.
// Intended for callers about to mutate p via operations that don't already
// snapshot it themselves (e.g. a sequence of non-overwriting writes inside
// it).
func (tx *Tx) SnapshotDir(ctx context.Context, p string) error {
	return tx.inner.SnapshotDir(ctx, p)
}
