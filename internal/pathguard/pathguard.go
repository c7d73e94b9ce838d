// Package pathguard confines caller-supplied relative paths to a base
// directory, rejecting anything that would escape it once normalized.
//
// The checks here are grounded on the path-safety validation the teacher
// codebase applies to WAL-journaled paths before replaying them
// (internal/store/wal.go's validateWalOp: no backslashes, not absolute, no
// ".."  segments, Clean(path) == path), generalized from "paths derived from
// a ticket ID" to "arbitrary caller-supplied relative paths".
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideBase is wrapped by every rejection this package produces.
var ErrOutsideBase = errors.New("path outside base directory")

// Guard confines relative paths to a base directory B.
type Guard struct {
	base string // absolute, cleaned
}

// New returns a Guard rooted at base. base is cleaned and made absolute
// relative to the process working directory if it isn't already.
func New(base string) (*Guard, error) {
	if base == "" {
		return nil, fmt.Errorf("pathguard: base directory is empty")
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolve base directory: %w", err)
	}

	return &Guard{base: filepath.Clean(abs)}, nil
}

// Base returns the guard's absolute, cleaned base directory.
func (g *Guard) Base() string {
	return g.base
}

// Resolve validates the caller-supplied relative path p and returns its
// absolute form under the base directory.
//
// Resolve rejects p when:
//   - p is empty,
//   - p is rooted (starts with a platform separator), carries a drive letter
//     (e.g. "C:\" or "C:/"), or begins with a UNC prefix ("\\" or "//"),
//   - the cleaned, joined form does not stay inside the base directory (an
//     upward traversal that would otherwise escape it).
//
// Null bytes, control characters, and reserved device names are NOT
// filtered here; they pass through to the OS, which rejects them on its own
// terms.
func (g *Guard) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("pathguard: empty path: %w", ErrOutsideBase)
	}

	if isRootedOrDriveOrUNC(p) {
		return "", fmt.Errorf("pathguard: %q is an absolute path: %w", p, ErrOutsideBase)
	}

	joined := filepath.Join(g.base, p)
	cleaned := filepath.Clean(joined)

	rel, err := filepath.Rel(g.base, cleaned)
	if err != nil {
		return "", fmt.Errorf("pathguard: %q: %w: %w", p, ErrOutsideBase, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("pathguard: %q escapes base directory: %w", p, ErrOutsideBase)
	}

	return cleaned, nil
}

// Rel validates p the same way Resolve does but returns the normalized
// path relative to the base directory instead of the absolute form. This is
// the form stored in journal records and staging subtrees.
func (g *Guard) Rel(p string) (string, error) {
	abs, err := g.Resolve(p)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(g.base, abs)
	if err != nil {
		return "", fmt.Errorf("pathguard: %q: %w: %w", p, ErrOutsideBase, err)
	}

	if rel == "." {
		return "", fmt.Errorf("pathguard: %q resolves to the base directory itself: %w", p, ErrOutsideBase)
	}

	return filepath.ToSlash(rel), nil
}

func isRootedOrDriveOrUNC(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}

	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}

	if strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//") {
		return true
	}

	// Drive letter prefix, e.g. "C:\foo" or "C:/foo", checked independent of
	// GOOS since callers may be confining paths supplied over a protocol
	// from a different platform than the one the guard runs on.
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			return true
		}
	}

	return false
}
