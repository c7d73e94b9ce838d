package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/internal/lockmgr"
	"github.com/calvinalkan/txfs/internal/pathguard"
	"github.com/calvinalkan/txfs/pkg/fs"
)

// fixedTempDirer hands fs.NewCrash a directory this test already knows,
// rather than letting it mint its own via testing.T.TempDir() — the Deps
// need to be built against that same path.
type fixedTempDirer struct{ dir string }

func (f fixedTempDirer) TempDir() string { return f.dir }

// crashHarness is newHarness's counterpart backed by [fs.Crash] instead of
// the real OS filesystem, so commit-execute can be interrupted mid-apply
// and the resulting durable snapshot inspected.
type crashHarness struct {
	deps  Deps
	base  string
	crash *fs.Crash
}

func newCrashHarness(t *testing.T, cfg *fs.CrashConfig) *crashHarness {
	t.Helper()

	base := t.TempDir()

	crash, err := fs.NewCrash(fixedTempDirer{dir: base}, fs.NewReal(), cfg)
	if err != nil {
		t.Fatalf("NewCrash: %v", err)
	}

	metaRoot := filepath.Join(base, ".tx")
	journalDir := filepath.Join(metaRoot, "journal")
	stagingRoot := filepath.Join(metaRoot, "staging")
	locksDir := filepath.Join(metaRoot, "locks")

	for _, dir := range []string{journalDir, stagingRoot, locksDir} {
		if err := crash.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("setup %s: %v", dir, err)
		}
	}

	guard, err := pathguard.New(base)
	if err != nil {
		t.Fatalf("pathguard: %v", err)
	}

	return &crashHarness{
		deps: Deps{
			FS:          crash,
			Base:        base,
			Guard:       guard,
			Journal:     journal.New(crash, journalDir),
			StagingRoot: stagingRoot,
			Locks:       lockmgr.New(crash, base, locksDir),
			LockTimeout: 2 * time.Second,
		},
		base:  base,
		crash: crash,
	}
}

// runUntilCrash calls Commit and recovers the injected [fs.CrashPanicError]
// panic, returning it. It fails the test if Commit returns instead of
// panicking (the failpoint never fired) or panics with anything else.
func runUntilCrash(t *testing.T, tx *Tx) *fs.CrashPanicError {
	t.Helper()

	var panicVal *fs.CrashPanicError

	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			pe, ok := r.(*fs.CrashPanicError)
			if !ok {
				panic(r)
			}

			panicVal = pe
		}()

		if err := tx.Commit(context.Background()); err != nil {
			t.Fatalf("commit returned an error instead of crashing: %v", err)
		}
	}()

	if panicVal == nil {
		t.Fatal("expected commit to crash, it completed normally")
	}

	return panicVal
}

// Test_Recover_Rolls_Forward_After_Crash_Mid_Apply simulates a process
// crash while commit-execute is midway through applying a prepared
// transaction's operations (the journal's durability barrier has already
// been crossed) and verifies that recovery against a fresh Manager
// finishes the job: the committed content ends up on disk even though the
// original process never got to run its own finalization.
func Test_Recover_Rolls_Forward_After_Crash_Mid_Apply(t *testing.T) {
	t.Parallel()

	h := newCrashHarness(t, &fs.CrashConfig{
		Failpoint: fs.CrashFailpointConfig{
			After: 1,
			Ops:   []fs.CrashOp{fs.CrashOpRename},
		},
	})

	tx, err := Begin(context.Background(), h.deps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := tx.Write(context.Background(), "a.txt", []byte("alpha")); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}

	if err := tx.Write(context.Background(), "b.txt", []byte("beta")); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	runUntilCrash(t, tx)

	h.crash.Recover()

	if err := Recover(context.Background(), h.crash, h.base, h.deps.Journal, h.deps.StagingRoot, nopLogger{}); err != nil {
		t.Fatalf("recover: %v", err)
	}

	for name, want := range map[string]string{"a.txt": "alpha", "b.txt": "beta"} {
		got, err := h.crash.ReadFile(filepath.Join(h.base, name))
		if err != nil {
			t.Fatalf("read %s after recovery: %v", name, err)
		}

		if string(got) != want {
			t.Fatalf("%s after recovery = %q, want %q", name, got, want)
		}
	}
}

// Test_Recover_Discards_Transaction_Crashed_Before_Prepare_Barrier
// simulates a crash while a transaction is still staging writes, well
// before Commit ever durably writes the PREPARED journal record (the
// barrier spec.md §4.6 requires before any commit-execute apply). None of
// this transaction's writes — including its own initial IN_PROGRESS
// journal record, written non-durably at Begin — were ever fsynced, so
// after the crash none of it should exist to recover.
func Test_Recover_Discards_Transaction_Crashed_Before_Prepare_Barrier(t *testing.T) {
	t.Parallel()

	h := newCrashHarness(t, &fs.CrashConfig{
		Failpoint: fs.CrashFailpointConfig{
			// Seq 1 is Begin's own non-durable IN_PROGRESS journal write;
			// crash on the next one instead, which is the staged write
			// below, so Begin succeeds and hands back a usable Tx.
			After: 2,
			Ops:   []fs.CrashOp{fs.CrashOpWriteFile},
		},
	})

	tx, err := Begin(context.Background(), h.deps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	var panicVal *fs.CrashPanicError

	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			pe, ok := r.(*fs.CrashPanicError)
			if !ok {
				panic(r)
			}

			panicVal = pe
		}()

		if err := tx.Write(context.Background(), "never.txt", []byte("should not survive")); err != nil {
			t.Fatalf("write never.txt returned an error instead of crashing: %v", err)
		}
	}()

	if panicVal == nil {
		t.Fatal("expected staging write to crash, it completed normally")
	}

	h.crash.Recover()

	if err := Recover(context.Background(), h.crash, h.base, h.deps.Journal, h.deps.StagingRoot, nopLogger{}); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if exists, err := h.crash.Exists(filepath.Join(h.base, "never.txt")); err != nil || exists {
		t.Fatalf("never.txt: want not-exist, got exists=%v err=%v", exists, err)
	}

	entries, err := h.crash.ReadDir(filepath.Join(h.base, ".tx", "journal"))
	if err != nil {
		t.Fatalf("read journal dir: %v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("expected no residual journal records, got %d", len(entries))
	}
}
