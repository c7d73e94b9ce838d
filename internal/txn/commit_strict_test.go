package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/txfs/internal/journal"
)

// Test_Commit_Fails_Fatally_When_Staging_Source_Vanishes_Before_Apply covers
// spec.md §7's "Staging source missing during execute -> Fatal, logged with
// txid + path, re-raised" row: a fresh commit-execute (as opposed to
// recovery's roll-forward of a possibly-already-partially-applied replay)
// must never silently skip an operation whose staging artifact is gone.
func Test_Commit_Fails_Fatally_When_Staging_Source_Vanishes_Before_Apply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.begin(t)

	if err := tx.Write(ctx, "gone.txt", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	staged := tx.area.Path("gone.txt")
	if err := os.Remove(staged); err != nil {
		t.Fatalf("simulate vanished staging artifact: %v", err)
	}

	err := tx.Commit(ctx)
	if err == nil {
		t.Fatal("commit: want error, got nil")
	}

	if !errors.Is(err, ErrStagingMissing) {
		t.Fatalf("commit error = %v, want wrapping ErrStagingMissing", err)
	}

	if !strings.Contains(err.Error(), tx.ID()) {
		t.Fatalf("commit error %q does not name the transaction id %q", err.Error(), tx.ID())
	}

	if !strings.Contains(err.Error(), staged) {
		t.Fatalf("commit error %q does not name the missing staging path %q", err.Error(), staged)
	}
}

// Test_Recovery_Skips_Vanished_Staging_Source_Instead_Of_Failing is the
// flip side: a transaction that reached PREPARED, crashed mid-apply, and
// whose staging source for one step legitimately no longer exists because
// that step already landed before the crash, must not block recovery from
// finishing the rest of the replay.
func Test_Recovery_Skips_Vanished_Staging_Source_Instead_Of_Failing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := "tx-partial"

	area := filepath.Join(h.stagingRoot, id)
	if err := os.MkdirAll(area, 0o750); err != nil {
		t.Fatalf("setup staging dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(area, "present.txt"), []byte("hi"), 0o640); err != nil {
		t.Fatalf("setup staged file: %v", err)
	}
	// "missing.txt" is deliberately never staged: as if the crash happened
	// after this op already applied and its staging artifact was cleaned up.

	rec := journal.NewRecord(id)
	rec.Status = journal.StatusPrepared
	rec.Operations = append(rec.Operations,
		journal.Operation{Kind: journal.OpWrite, Path: "present.txt"},
		journal.Operation{Kind: journal.OpWrite, Path: "missing.txt"},
	)

	if err := h.deps.Journal.Write(ctx, rec, true); err != nil {
		t.Fatalf("setup journal: %v", err)
	}

	if err := Recover(ctx, h.deps.FS, h.base, h.deps.Journal, h.stagingRoot, nil); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := h.readBase(t, "present.txt"); got != "hi" {
		t.Fatalf("present.txt = %q, want hi", got)
	}

	if _, err := os.Stat(h.basePath("missing.txt")); !os.IsNotExist(err) {
		t.Fatalf("missing.txt: want not-exist, got err=%v", err)
	}
}
