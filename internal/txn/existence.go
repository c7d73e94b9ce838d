package txn

import (
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/internal/staging"
	"github.com/calvinalkan/txfs/pkg/fs"
)

// existsTxAware implements spec's "transaction-aware existence" for
// relative path rel: the journal's operation list overrides staging, which
// overrides the base directory. The five checks run in the fixed priority
// order spec lists them in (RM, RENAME-from, RENAME-to, WRITE/CP-to/MKDIR,
// fallthrough) rather than by position in the list — a path that was
// written and later removed in the same transaction is reported
// nonexistent even though both operations are present, matching the
// "journal append is skipped once a WRITE{p} already exists" rule that
// otherwise couldn't let a later write "win" over an earlier RM.
func existsTxAware(ops []journal.Operation, area *staging.Area, fsys fs.FS, base, rel string) (bool, error) {
	for _, op := range ops {
		if op.Kind == journal.OpRemove && op.Path == rel {
			return false, nil
		}
	}

	for _, op := range ops {
		if op.Kind == journal.OpRename && op.From == rel {
			return false, nil
		}
	}

	for _, op := range ops {
		if op.Kind == journal.OpRename && op.To == rel {
			return true, nil
		}
	}

	for _, op := range ops {
		switch {
		case op.Kind == journal.OpWrite && op.Path == rel:
			return true, nil
		case op.Kind == journal.OpCopy && op.To == rel:
			return true, nil
		case op.Kind == journal.OpMkdir && op.Path == rel:
			return true, nil
		}
	}

	staged, err := area.Exists(rel)
	if err != nil {
		return false, fmt.Errorf("txn: check staging existence of %q: %w", rel, err)
	}

	if staged {
		return true, nil
	}

	return fsys.Exists(filepath.Join(base, rel))
}

// hasOp reports whether ops already contains an operation of kind matching
// path (for WRITE/MKDIR/RM) — used to implement the journal's
// append-only-once-per-path rule.
func hasOp(ops []journal.Operation, kind journal.OpKind, path string) bool {
	for _, op := range ops {
		if op.Kind == kind && op.Path == path {
			return true
		}
	}

	return false
}
