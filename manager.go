// Package txfs provides ACID transactions over a region of a filesystem
// rooted at a caller-chosen base directory: open a transaction, mutate
// files and directories through a handle, and on scope exit either commit
// the whole batch atomically or roll it back. Committed changes survive
// process crashes; uncommitted changes leave the base directory
// byte-identical to its pre-transaction state after recovery.
//
// Grounded on the Manager/Store wiring in internal/store/store.go: a small
// value type holding its dependencies and an `initialized` flag, rather
// than a process-wide singleton (spec's design note on global state).
package txfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/txfs/internal/journal"
	"github.com/calvinalkan/txfs/internal/lockmgr"
	"github.com/calvinalkan/txfs/internal/pathguard"
	"github.com/calvinalkan/txfs/internal/txn"
	"github.com/calvinalkan/txfs/pkg/fs"
)

// Manager wires the Path Guard, Journal Store, Lock Manager, and Recovery
// routine over a single base directory, and runs transactions against
// them.
//
// The zero value is not usable; construct with [NewManager].
type Manager struct {
	mu sync.Mutex

	cfg  ManagerConfig
	fsys fs.FS

	guard       *pathguard.Guard
	journal     *journal.Store
	locks       *lockmgr.Manager
	stagingRoot string

	initialized bool
}

// NewManager returns a Manager over the real OS filesystem. Call
// [Manager.Initialize] before [Manager.Run].
func NewManager(cfg ManagerConfig) *Manager {
	return newManagerWithFS(cfg, fs.NewReal())
}

// newManagerWithFS is the test/fault-injection seam: it lets tests swap in
// [fs.Chaos] or [fs.Crash] in place of the real filesystem.
func newManagerWithFS(cfg ManagerConfig, fsys fs.FS) *Manager {
	return &Manager{cfg: cfg.withDefaults(), fsys: fsys}
}

// Initialize creates the metadata subdirectories (journal/, staging/,
// locks/) if missing and runs recovery over any journal records already
// present. It is idempotent: a second call is a no-op (spec.md §8's
// "initialize() twice has the same effect as once").
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	guard, err := pathguard.New(m.cfg.BaseDirectory)
	if err != nil {
		return fmt.Errorf("txfs: initialize: %w", err)
	}

	base := guard.Base()
	metaRoot := filepath.Join(base, m.cfg.MetadataDirName)
	journalDir := filepath.Join(metaRoot, "journal")
	stagingRoot := filepath.Join(metaRoot, "staging")
	locksDir := filepath.Join(metaRoot, "locks")

	for _, dir := range []string{base, journalDir, stagingRoot, locksDir} {
		if err := m.fsys.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("txfs: initialize: create %q: %w", dir, err)
		}
	}

	jstore := journal.New(m.fsys, journalDir)
	locks := lockmgr.New(m.fsys, base, locksDir)

	if err := txn.Recover(ctx, m.fsys, base, jstore, stagingRoot, m.cfg.Logger); err != nil {
		return fmt.Errorf("txfs: initialize: recovery: %w", err)
	}

	m.guard = guard
	m.journal = jstore
	m.locks = locks
	m.stagingRoot = stagingRoot
	m.initialized = true

	return nil
}

// ScopeFunc is the caller-supplied body [Manager.Run] executes against a
// fresh transaction handle.
type ScopeFunc func(tx *Tx) error

// Run begins a transaction, invokes scope with a handle, and commits on a
// nil return or rolls back on a non-nil one — there is no third outcome
// (spec.md §5's "Suspension points"). The scope's error (if any) is
// returned to the caller after rollback completes.
func (m *Manager) Run(ctx context.Context, scope ScopeFunc) error {
	m.mu.Lock()

	if !m.initialized {
		m.mu.Unlock()

		return ErrNotInitialized
	}

	deps := txn.Deps{
		FS:          m.fsys,
		Base:        m.guard.Base(),
		Guard:       m.guard,
		Journal:     m.journal,
		StagingRoot: m.stagingRoot,
		Locks:       m.locks,
		LockTimeout: m.cfg.lockTimeout(),
		Logger:      m.cfg.Logger,
	}

	m.mu.Unlock()

	inner, err := txn.Begin(ctx, deps)
	if err != nil {
		return fmt.Errorf("txfs: run: begin: %w", err)
	}

	handle := &Tx{inner: inner}

	if scopeErr := scope(handle); scopeErr != nil {
		if rbErr := inner.Rollback(ctx); rbErr != nil {
			m.cfg.Logger.Warnf("txfs: run: rollback after scope error for tx %s: %v", inner.ID(), rbErr)
		}

		return scopeErr
	}

	if err := inner.Commit(ctx); err != nil {
		return fmt.Errorf("txfs: run: commit: %w", err)
	}

	return nil
}

// BaseDirectory returns the manager's resolved, absolute base directory.
// Only valid after [Manager.Initialize] has succeeded.
func (m *Manager) BaseDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.guard == nil {
		return ""
	}

	return m.guard.Base()
}
