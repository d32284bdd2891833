package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// ReadManifest reads a JSON array of strings. A missing manifest is empty.
func ReadManifest(path string) ([]string, error) {
	var entries []string
	if err := readJSON(path, &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	if entries == nil {
		entries = []string{}
	}
	return entries, nil
}

// WriteManifest writes entries as a JSON array, creating the parent folder if needed.
func WriteManifest(path string, entries []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest folder: %w", err)
	}
	if entries == nil {
		entries = []string{}
	}
	return writeJSON(path, entries)
}

// AddToManifest appends entry to the manifest unless it is already listed.
// It reports whether the manifest changed.
func AddToManifest(path, entry string) (bool, error) {
	entries, err := ReadManifest(path)
	if err != nil {
		return false, err
	}
	if slices.Contains(entries, entry) {
		return false, nil
	}
	return true, WriteManifest(path, append(entries, entry))
}

// RemoveFromManifest removes entry from the manifest. It reports whether the manifest changed.
func RemoveFromManifest(path, entry string) (bool, error) {
	entries, err := ReadManifest(path)
	if err != nil {
		return false, err
	}
	kept := slices.DeleteFunc(slices.Clone(entries), func(e string) bool { return e == entry })
	if len(kept) == len(entries) {
		return false, nil
	}
	return true, WriteManifest(path, kept)
}
