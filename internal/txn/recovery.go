package txn

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/pkg/fs"
)

// Recover implements spec.md §4.7: scan every journal record found under
// jstore and reconcile it with the base directory. It never returns an
// error for a single bad transaction — those are logged and the residue
// is garbage-collected — since a recovery pass that aborts partway leaves
// the metadata directory in a worse state than one that presses on.
//
// Recovery assumes it runs with exclusive access to base (no concurrent
// transactions open yet), matching spec.md §4.7's "invoked once from
// initialize", so it takes no locks of its own.
func Recover(ctx context.Context, fsys fs.FS, base string, jstore *journal.Store, stagingRoot string, logger Logger) error {
	if logger == nil {
		logger = nopLogger{}
	}

	ids, err := jstore.List()
	if err != nil {
		return fmt.Errorf("txn: recovery: list journals: %w", err)
	}

	for _, id := range ids {
		recoverOne(ctx, fsys, base, jstore, stagingRoot, id, logger)
	}

	return nil
}

func recoverOne(ctx context.Context, fsys fs.FS, base string, jstore *journal.Store, stagingRoot, id string, logger Logger) {
	defer cleanupResidue(fsys, jstore, stagingRoot, id, logger)

	rec, ok, err := jstore.Read(id)
	if err != nil {
		logger.Warnf("txn: recovery: %s: journal unreadable, discarding: %v", id, err)

		return
	}

	if !ok {
		return
	}

	stagingDir := filepath.Join(stagingRoot, id)

	switch rec.Status {
	case journal.StatusInProgress:
		// Never reached the prepare barrier: discard staging and journal,
		// no base-directory mutation (handled by the deferred cleanup).
	case journal.StatusPrepared:
		if err := applyOperations(ctx, fsys, base, stagingDir, rec.Operations, logger, id, false); err != nil {
			logger.Warnf("txn: recovery: %s: roll-forward failed, residue left for next pass: %v", id, err)
		}
	case journal.StatusCommitted, journal.StatusRolledBack:
		// Terminal: nothing left to do but garbage-collect.
	default:
		logger.Warnf("txn: recovery: %s: unknown status %q, discarding", id, rec.Status)
	}
}

func cleanupResidue(fsys fs.FS, jstore *journal.Store, stagingRoot, id string, logger Logger) {
	stagingDir := filepath.Join(stagingRoot, id)

	if err := fsys.RemoveAll(stagingDir); err != nil {
		logger.Warnf("txn: recovery: %s: remove staging: %v", id, err)
	}

	if err := jstore.Delete(id); err != nil {
		logger.Warnf("txn: recovery: %s: delete journal: %v", id, err)
	}
}
