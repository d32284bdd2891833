package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonical_MissingPathUsesResolvedParent(t *testing.T) {
	tmpDir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(tmpDir)
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}

	got, err := Canonical(filepath.Join(tmpDir, "gone", "file.txt"))
	if err != nil {
		t.Fatalf("Canonical() failed: %v", err)
	}

	want := filepath.Join(resolved, "gone", "file.txt")
	if got != want {
		t.Errorf("Canonical() = %q, want %q", got, want)
	}
}

func TestIsWithin(t *testing.T) {
	root := filepath.FromSlash("/a/b")
	tests := []struct {
		path string
		want bool
	}{
		{"/a/b", true},
		{"/a/b/c", true},
		{"/a/b/c/d.txt", true},
		{"/a/bc", false},
		{"/a", false},
		{"/x/b", false},
	}

	for _, tt := range tests {
		if got := IsWithin(root, filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", root, tt.path, got, tt.want)
		}
	}
}

func TestRebase(t *testing.T) {
	got, ok := Rebase(filepath.FromSlash("/p/alpha/x/y"), filepath.FromSlash("/p/alpha"), filepath.FromSlash("/p/beta"))
	if !ok {
		t.Fatal("Rebase() reported path outside root")
	}
	if want := filepath.FromSlash("/p/beta/x/y"); got != want {
		t.Errorf("Rebase() = %q, want %q", got, want)
	}

	if _, ok := Rebase(filepath.FromSlash("/p/alphabet"), filepath.FromSlash("/p/alpha"), filepath.FromSlash("/p/beta")); ok {
		t.Error("Rebase() should not match a sibling sharing a prefix")
	}
}

func TestHiddenAndReserved(t *testing.T) {
	if !IsHidden("/a/.DS_Store") {
		t.Error("dot file should be hidden")
	}
	if IsHidden("/a/file.txt") {
		t.Error("plain file should not be hidden")
	}
	if !IsReserved(filepath.Join("a", ReservedDir, "container.json")) {
		t.Error("file in reserved folder should be reserved")
	}
	if !HasHiddenComponent(filepath.FromSlash(".git/objects/ab")) {
		t.Error("path under hidden folder should have a hidden component")
	}
	if HasHiddenComponent(filepath.FromSlash("data/child/file.txt")) {
		t.Error("plain relative path should not have a hidden component")
	}
}

func TestUniqueFileName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"data.csv", "data (1).csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	if got := UniqueFileName(dir, "data.csv"); got != "data (2).csv" {
		t.Errorf("UniqueFileName() = %q, want %q", got, "data (2).csv")
	}
	if got := UniqueFileName(dir, "other.csv"); got != "other.csv" {
		t.Errorf("UniqueFileName() = %q, want %q", got, "other.csv")
	}
	if got := UniqueFileName(dir, "README"); got != "README" {
		t.Errorf("UniqueFileName() = %q, want %q", got, "README")
	}
}
