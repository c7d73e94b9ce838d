package txn

import (
	"errors"

	"github.com/calvinalkan/txfs/internal/pathguard"
)

// ErrPathOutsideBase re-exports [pathguard.ErrOutsideBase] under the name
// operations surface it as; the Operation Layer has no validation logic of
// its own beyond what the Path Guard already rejects.
var ErrPathOutsideBase = pathguard.ErrOutsideBase

var (
	// ErrSourceMissing is returned by rename/copy/snapshot_dir when the
	// source path does not exist under transaction-aware existence.
	ErrSourceMissing = errors.New("txn: source does not exist")

	// ErrTargetMissing is returned by read when neither staging nor the
	// base directory has the requested path.
	ErrTargetMissing = errors.New("txn: target does not exist")

	// ErrLockTimeout is returned when a resource lock could not be acquired
	// before ctx was done.
	ErrLockTimeout = errors.New("txn: lock acquisition timed out")

	// ErrStagingMissing marks the fatal, non-rollback-able condition where a
	// fresh commit-execute's staging source has vanished for an operation
	// that was never supposed to have run yet. Recovery's roll-forward of a
	// transaction that crashed mid-apply tolerates the same condition
	// instead (the op may already have been applied before the crash) and
	// never returns this error.
	ErrStagingMissing = errors.New("txn: staging artifact missing during execute")

	// ErrUnderlyingIO wraps a host-filesystem error that doesn't match one
	// of the more specific kinds above.
	ErrUnderlyingIO = errors.New("txn: underlying filesystem error")

	// ErrTxClosed is returned by operations called after the owning
	// transaction has committed or rolled back.
	ErrTxClosed = errors.New("txn: transaction closed")
)
