package lockmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/txfs/pkg/fs"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()

	base := t.TempDir()
	locksDir := filepath.Join(base, ".tx", "locks")

	if err := os.MkdirAll(locksDir, 0o750); err != nil {
		t.Fatalf("setup locks dir: %v", err)
	}

	return New(fs.NewReal(), base, locksDir), base
}

func Test_AcquireExclusive_Materializes_Placeholder_For_Missing_File(t *testing.T) {
	m, base := newManager(t)

	held, err := m.AcquireExclusive(context.Background(), "a/b.txt")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	defer m.ReleaseAll([]*Held{held})

	want := filepath.Join(base, "a/b.txt")
	if held.TempResource != want {
		t.Fatalf("temp resource=%q, want=%q", held.TempResource, want)
	}

	if _, err := os.Stat(want); err != nil {
		t.Fatalf("placeholder not created: %v", err)
	}
}

func Test_AcquireExclusive_Materializes_Placeholder_Dir_For_Extensionless_Path(t *testing.T) {
	m, base := newManager(t)

	held, err := m.AcquireExclusive(context.Background(), "somedir")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	defer m.ReleaseAll([]*Held{held})

	info, err := os.Stat(filepath.Join(base, "somedir"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if !info.IsDir() {
		t.Fatalf("placeholder should be a directory")
	}
}

func Test_AcquireExclusive_No_Placeholder_When_Resource_Exists(t *testing.T) {
	m, base := newManager(t)

	path := filepath.Join(base, "exists.txt")
	if err := os.WriteFile(path, []byte("x"), 0o640); err != nil {
		t.Fatalf("setup: %v", err)
	}

	held, err := m.AcquireExclusive(context.Background(), "exists.txt")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	defer m.ReleaseAll([]*Held{held})

	if held.TempResource != "" {
		t.Fatalf("temp resource=%q, want empty", held.TempResource)
	}
}

func Test_Shared_Locks_Are_Compatible(t *testing.T) {
	m, _ := newManager(t)

	ctx := context.Background()

	h1, err := m.AcquireShared(ctx, "f.txt")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	defer m.Release(h1)

	ctx2, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	h2, err := m.AcquireShared(ctx2, "f.txt")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	defer m.Release(h2)
}

func Test_Exclusive_Lock_Blocks_Until_Timeout(t *testing.T) {
	m, _ := newManager(t)

	ctx := context.Background()

	h1, err := m.AcquireExclusive(ctx, "f.txt")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	defer m.Release(h1)

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err = m.AcquireExclusive(ctx2, "f.txt")
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("returned too quickly: %s", elapsed)
	}
}

func Test_ReleaseAll_Is_Idempotent(t *testing.T) {
	m, _ := newManager(t)

	held, err := m.AcquireExclusive(context.Background(), "f.txt")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.ReleaseAll([]*Held{held})
	m.ReleaseAll([]*Held{held}) // second call must not fail/panic
}

func Test_AcquireManyExclusive_Acquires_In_Sorted_Order_And_Rolls_Back_On_Failure(t *testing.T) {
	m, _ := newManager(t)

	ctx := context.Background()

	// Pre-hold a lock on "b" so the batch acquire blocks there.
	blocker, err := m.AcquireExclusive(ctx, "b")
	if err != nil {
		t.Fatalf("acquire blocker: %v", err)
	}

	defer m.Release(blocker)

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	held, err := m.AcquireManyExclusive(ctx2, []string{"c", "a", "b"})
	if err == nil {
		m.ReleaseAll(held)
		t.Fatal("expected error due to contention on \"b\"")
	}

	// "a" should have been released again since the batch failed.
	h2, err := m.AcquireExclusive(context.Background(), "a")
	if err != nil {
		t.Fatalf("expected \"a\" to be free after rollback: %v", err)
	}

	m.Release(h2)
}
