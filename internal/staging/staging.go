// Package staging implements the per-transaction scratch directory spec.md
// §3/§4.4 describes: a subtree under the metadata root that mirrors
// caller-relative paths, plus a reserved "_snapshots" child holding
// pre-transaction backups of overwrite targets.
//
// Grounded on the directory-layout discipline internal/store/store.go uses
// for its own metadata root (".tk/"), generalized from one fixed ticket
// layout to an arbitrary per-transaction mirror of caller paths.
package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/txfs/pkg/fs"
)

// snapshotsDirName is the reserved child of a staging directory that holds
// pre-transaction backups (spec.md §4.4).
const snapshotsDirName = "_snapshots"

// Area is one transaction's staging subtree: "<metadataRoot>/staging/<id>/".
type Area struct {
	fsys fs.FS
	dir  string
}

// New returns an Area rooted at filepath.Join(stagingRootDir, id).
func New(fsys fs.FS, stagingRootDir, id string) *Area {
	return &Area{fsys: fsys, dir: filepath.Join(stagingRootDir, id)}
}

// Dir returns the absolute staging directory for this transaction.
func (a *Area) Dir() string {
	return a.dir
}

// Ensure creates the staging directory if it doesn't already exist.
func (a *Area) Ensure() error {
	if err := a.fsys.MkdirAll(a.dir, 0o750); err != nil {
		return fmt.Errorf("staging: create %q: %w", a.dir, err)
	}

	return nil
}

// RemoveAll deletes the entire staging directory, including "_snapshots".
// Not an error if it's already gone (spec.md I5/I6's idempotent cleanup).
func (a *Area) RemoveAll() error {
	if err := a.fsys.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("staging: remove %q: %w", a.dir, err)
	}

	return nil
}

// Path returns the absolute staging path mirroring caller-relative path rel.
func (a *Area) Path(rel string) string {
	return filepath.Join(a.dir, filepath.FromSlash(rel))
}

// SnapshotPath returns the absolute path under "_snapshots" that backs up
// the pre-transaction content of caller-relative path rel.
func (a *Area) SnapshotPath(rel string) string {
	return filepath.Join(a.dir, snapshotsDirName, filepath.FromSlash(rel))
}

// Exists reports whether rel has staged content.
func (a *Area) Exists(rel string) (bool, error) {
	return a.fsys.Exists(a.Path(rel))
}

// ReadFile reads the staged content of rel. ok is false if nothing is
// staged at rel yet (not an error).
func (a *Area) ReadFile(rel string) (data []byte, ok bool, err error) {
	data, err = a.fsys.ReadFile(a.Path(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("staging: read %q: %w", rel, err)
	}

	return data, true, nil
}

// WriteFile stages data at rel, creating intermediate staging directories.
func (a *Area) WriteFile(rel string, data []byte) error {
	abs := a.Path(rel)

	if err := a.fsys.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("staging: mkdir for %q: %w", rel, err)
	}

	if err := a.fsys.WriteFile(abs, data, 0o640); err != nil {
		return fmt.Errorf("staging: write %q: %w", rel, err)
	}

	return nil
}

// MkdirRel creates the staging directory for rel. recursive mirrors
// spec.md §4.5's mkdir(p, {recursive}) passthrough: when false, the parent
// of rel must already exist in staging or this fails.
func (a *Area) MkdirRel(rel string, recursive bool) error {
	abs := a.Path(rel)

	if recursive {
		if err := a.fsys.MkdirAll(abs, 0o750); err != nil {
			return fmt.Errorf("staging: mkdir %q: %w", rel, err)
		}

		return nil
	}

	parent := filepath.Dir(abs)

	exists, err := a.fsys.Exists(parent)
	if err != nil {
		return fmt.Errorf("staging: check parent of %q: %w", rel, err)
	}

	if !exists {
		return fmt.Errorf("staging: mkdir %q: %w", rel, os.ErrNotExist)
	}

	if err := a.fsys.MkdirAll(abs, 0o750); err != nil {
		return fmt.Errorf("staging: mkdir %q: %w", rel, err)
	}

	return nil
}
