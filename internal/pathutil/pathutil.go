// Package pathutil holds the path helpers shared by the watcher, the store and the reconciler.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReservedDir is the per-container metadata folder. It is never a resource itself.
const ReservedDir = ".syre"

// Canonical returns the absolute, cleaned form of path with symlinks resolved.
// Paths that no longer exist are resolved through their deepest existing ancestor
// so that removed paths still map onto the same keys they had while present.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	base, err := Canonical(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(abs)), nil
}

// IsHidden reports whether the final element of path is a dot file or folder.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// IsReserved reports whether path lies inside a container's reserved folder.
func IsReserved(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ReservedDir {
			return true
		}
	}
	return false
}

// HasHiddenComponent reports whether any element of rel is hidden.
// rel must be relative to a tracked root so that hidden parents above the root are ignored.
func HasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "." && part != ".." && strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// IsWithin reports whether path equals root or lies below it.
func IsWithin(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Rebase replaces the oldRoot prefix of path with newRoot.
// ok is false when path is not within oldRoot.
func Rebase(path, oldRoot, newRoot string) (string, bool) {
	if !IsWithin(oldRoot, path) {
		return "", false
	}
	rel, err := filepath.Rel(oldRoot, path)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return newRoot, true
	}
	return filepath.Join(newRoot, rel), true
}

// UniqueFileName returns a name based on name that does not exist in dir.
// Collisions are resolved by inserting " (n)" before the extension.
func UniqueFileName(dir, name string) string {
	return UniqueName(name, func(candidate string) bool {
		_, err := os.Lstat(filepath.Join(dir, candidate))
		return err == nil
	})
}

// UniqueName returns name, or the first "stem (n).ext" variant for which taken is false.
func UniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
