package txfs

import (
	"errors"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/internal/txn"
)

// Error kinds surfaced by the transaction engine. Callers should match them
// with [errors.Is]; the concrete error returned always wraps one of these
// with operation-specific context via fmt.Errorf("...: %w", ...). Most are
// re-exported from the internal package that actually detects the
// condition, so a caller never needs to import internal/txn themselves.
var (
	// ErrPathOutsideBase is returned when a caller-supplied path does not
	// resolve inside the base directory after normalization.
	ErrPathOutsideBase = txn.ErrPathOutsideBase

	// ErrSourceMissing is returned by rename/copy/snapshot_dir when the
	// source path does not exist (transaction-aware).
	ErrSourceMissing = txn.ErrSourceMissing

	// ErrTargetMissing is returned by read when neither the staging nor the
	// base directory has the requested path.
	ErrTargetMissing = txn.ErrTargetMissing

	// ErrLockTimeout is returned when a resource lock could not be acquired
	// before the configured timeout elapsed.
	ErrLockTimeout = txn.ErrLockTimeout

	// ErrJournalCorrupt marks a journal record that failed to parse.
	// Recovery treats a corrupt record as absent rather than propagating
	// this error; it is exported so tests and logs can recognize the case.
	ErrJournalCorrupt = journal.ErrCorrupt

	// ErrStagingMissing is a fatal, non-recoverable-locally error: a staging
	// artifact that a PREPARED journal operation depends on is missing
	// during commit-execute. The transaction is already past the durability
	// barrier, so the engine cannot roll back; the next recovery pass will
	// replay best-effort.
	ErrStagingMissing = txn.ErrStagingMissing

	// ErrUnderlyingIO wraps a host-filesystem error that is not one of the
	// more specific kinds above.
	ErrUnderlyingIO = txn.ErrUnderlyingIO

	// ErrTxClosed is returned by handle operations called after the owning
	// transaction has committed or rolled back.
	ErrTxClosed = txn.ErrTxClosed

	// ErrNotInitialized is returned by Run when Initialize has not
	// succeeded yet.
	ErrNotInitialized = errors.New("manager not initialized")
)
