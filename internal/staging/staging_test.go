package staging

import (
	"path/filepath"
	"testing"

	"github.com/calvinalkan/txfs/pkg/fs"
)

func newArea(t *testing.T) *Area {
	t.Helper()

	root := filepath.Join(t.TempDir(), "staging")

	return New(fs.NewReal(), root, "tx-1")
}

func Test_Ensure_Creates_Staging_Dir(t *testing.T) {
	a := newArea(t)

	if err := a.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	exists, err := a.fsys.Exists(a.Dir())
	if err != nil || !exists {
		t.Fatalf("staging dir missing: exists=%v err=%v", exists, err)
	}
}

func Test_WriteFile_Then_ReadFile_Round_Trips(t *testing.T) {
	a := newArea(t)

	if err := a.WriteFile("nested/a.txt", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, ok, err := a.ReadFile("nested/a.txt")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}

	if string(data) != "hello" {
		t.Fatalf("data=%q, want hello", data)
	}
}

func Test_ReadFile_Missing_Returns_Not_Ok_No_Error(t *testing.T) {
	a := newArea(t)

	_, ok, err := a.ReadFile("nope.txt")
	if err != nil {
		t.Fatalf("err=%v, want nil", err)
	}

	if ok {
		t.Fatal("expected ok=false")
	}
}

func Test_SnapshotPath_Is_Distinct_From_Staged_Path(t *testing.T) {
	a := newArea(t)

	staged := a.Path("x/y.txt")
	snap := a.SnapshotPath("x/y.txt")

	if staged == snap {
		t.Fatalf("snapshot path must differ from staged path: %q", staged)
	}

	if filepath.Dir(snap) == filepath.Dir(staged) {
		t.Fatalf("snapshot should live under _snapshots, got %q vs %q", snap, staged)
	}
}

func Test_MkdirRel_Recursive_Creates_Missing_Parents(t *testing.T) {
	a := newArea(t)

	if err := a.MkdirRel("a/b/c", true); err != nil {
		t.Fatalf("mkdir recursive: %v", err)
	}

	exists, err := a.Exists("a/b/c")
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v", exists, err)
	}
}

func Test_MkdirRel_NonRecursive_Fails_When_Parent_Missing(t *testing.T) {
	a := newArea(t)

	if err := a.MkdirRel("a/b", false); err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func Test_RemoveAll_Is_Idempotent(t *testing.T) {
	a := newArea(t)

	if err := a.WriteFile("f.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := a.RemoveAll(); err != nil {
		t.Fatalf("remove 1: %v", err)
	}

	if err := a.RemoveAll(); err != nil {
		t.Fatalf("remove 2 (should be no-op): %v", err)
	}
}
