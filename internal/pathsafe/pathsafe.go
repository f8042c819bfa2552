// Package pathsafe resolves client-supplied relative paths against a
// workspace root and rejects anything that escapes it.
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned (wrapped) when a resolved path falls outside the
// workspace root.
var ErrPathEscape = fmt.Errorf("path escapes workspace root")

// Resolve normalises rel, resolves it against root, and returns the absolute
// path. The resolved real path is guaranteed to equal root or to sit strictly
// inside it; any other outcome returns ErrPathEscape before any filesystem
// I/O on the target happens. Workspace content is writable by untrusted
// container code, so symlinks inside the root are followed and re-checked
// rather than trusted.
func Resolve(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: null byte in path", ErrPathEscape)
	}

	// Normalise separators so backslash-translated traversal cannot hide
	// from filepath.Clean on non-Windows hosts.
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimPrefix(rel, "/")

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	resolved := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if !contained(resolved, rootAbs) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	// The lexical check above says nothing about symlinks planted under the
	// root, so compare real paths as well. The root itself may sit behind a
	// symlink (e.g. /tmp on some systems); canonicalise both sides.
	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	real, err := realPath(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !contained(real, realRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	return resolved, nil
}

// contained reports whether path equals root or sits strictly inside it.
func contained(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// realPath canonicalises path by resolving symlinks on its deepest existing
// ancestor and rejoining the not-yet-existing suffix. The suffix is already
// cleaned, so it carries no ".." segments.
func realPath(path string) (string, error) {
	suffix := ""
	for current := path; ; {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(real, suffix)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

// ToPosixRel converts an absolute path under root to a POSIX-style relative
// path, for responses and watcher events.
func ToPosixRel(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}
