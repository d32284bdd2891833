package watcher

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()

	w, err := New(&Config{
		Debounce:      30 * time.Millisecond,
		GraceInterval: 50 * time.Millisecond,
		GraceRetries:  3,
		Logger:        log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func canonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return dir
}

// waitFor collects batches until one contains an event matching match.
func waitFor(t *testing.T, w *Watcher, match func(Event) bool) Event {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case batch, ok := <-w.Batches():
			if !ok {
				t.Fatal("batch channel closed")
			}
			for _, e := range batch {
				if match(e) {
					return e
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
	if err := w.Watch(t.TempDir()); err != ErrNotRunning {
		t.Errorf("Watch() before Start() = %v, want ErrNotRunning", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Start() on a running watcher should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() should be a no-op, got %v", err)
	}
}

func TestWatcher_WatchIsIdempotent(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)

	for i := 0; i < 2; i++ {
		if err := w.Watch(dir); err != nil {
			t.Fatalf("Watch() #%d failed: %v", i+1, err)
		}
	}

	roots, err := w.Roots()
	if err != nil {
		t.Fatalf("Roots() failed: %v", err)
	}
	if len(roots) != 1 || roots[0] != dir {
		t.Errorf("Roots() = %v, want [%s]", roots, dir)
	}
}

func TestWatcher_UnwatchIsNoop(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)

	if err := w.Unwatch(dir); err != nil {
		t.Fatalf("Unwatch() of unwatched path failed: %v", err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := w.Unwatch(dir); err != nil {
			t.Fatalf("Unwatch() #%d failed: %v", i+1, err)
		}
	}
	if err := w.Unwatch(filepath.Join(dir, "never")); err != nil {
		t.Fatalf("Unwatch() of missing path failed: %v", err)
	}

	roots, _ := w.Roots()
	if len(roots) != 0 {
		t.Errorf("Roots() = %v, want none", roots)
	}
}

func TestWatcher_CreatedFolder(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	child := filepath.Join(dir, "child")
	if err := os.Mkdir(child, 0755); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}
	waitFor(t, w, func(e Event) bool { return e.Kind == Created && e.Path == child })

	// new folders are watched recursively
	file := filepath.Join(child, "data.csv")
	if err := os.WriteFile(file, []byte("a,b"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, w, func(e Event) bool { return e.Kind == Created && e.Path == file })
}

func TestWatcher_Rename(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	from := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(from, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	to := filepath.Join(dir, "b.txt")
	if err := os.Rename(from, to); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool { return e.Path == to })
	if e.Kind != Renamed || e.From != from {
		t.Errorf("got %v, want renamed %s -> %s", e, from, to)
	}
}

func TestWatcher_SaveByReplace(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	file := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(file, []byte("v1"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.Remove(file); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if err := os.WriteFile(file, []byte("v2"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool { return e.Path == file })
	if e.Kind != DataModified {
		t.Errorf("got %v, want modified", e)
	}
}

func TestWatcher_RootReappearsWithinGrace(t *testing.T) {
	w := newTestWatcher(t)
	root := filepath.Join(canonicalTempDir(t), "root")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.Remove(root); err != nil {
		t.Fatalf("Failed to remove root: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Failed to recreate root: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool { return e.Path == root })
	if e.Kind != DataModified {
		t.Fatalf("got %v, want modified", e)
	}

	// the root is watched again
	file := filepath.Join(root, "after.txt")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, w, func(e Event) bool { return e.Kind == Created && e.Path == file })
}

func TestWatcher_RootRemovedAfterGrace(t *testing.T) {
	w := newTestWatcher(t)
	root := filepath.Join(canonicalTempDir(t), "root")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}
	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	if err := os.Remove(root); err != nil {
		t.Fatalf("Failed to remove root: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool { return e.Path == root })
	if e.Kind != Removed {
		t.Fatalf("got %v, want removed", e)
	}

	roots, _ := w.Roots()
	if len(roots) != 0 {
		t.Errorf("Roots() = %v, want none after removal", roots)
	}
}

func TestWatcher_FileRoot(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	manifest := filepath.Join(dir, "projects.json")
	if err := os.WriteFile(manifest, []byte("[]"), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	if err := w.Watch(manifest); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	other := filepath.Join(dir, "other.json")
	if err := os.WriteFile(other, nil, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(manifest, []byte(`["/p"]`), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool {
		if e.Path == other {
			t.Errorf("got event for unwatched sibling %v", e)
		}
		return e.Path == manifest
	})
	if e.Kind != DataModified {
		t.Errorf("got %v, want modified", e)
	}
}

func TestWatcher_EntryRenamed(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	project := filepath.Join(dir, "demo")
	if err := os.MkdirAll(filepath.Join(project, "data"), 0755); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}
	if err := w.WatchEntry(project); err != nil {
		t.Fatalf("WatchEntry() failed: %v", err)
	}

	// content changes and unrelated siblings are not reported
	if err := os.WriteFile(filepath.Join(project, "data", "a.txt"), nil, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	sibling := filepath.Join(dir, "other")
	if err := os.Mkdir(sibling, 0755); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}

	renamed := filepath.Join(dir, "demo-2")
	if err := os.Rename(project, renamed); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool {
		if e.Path == sibling || filepath.Dir(e.Path) != dir {
			t.Errorf("got unexpected event %v", e)
		}
		return e.From == project
	})
	if e.Kind != Renamed || e.Path != renamed {
		t.Errorf("got %v, want renamed to %s", e, renamed)
	}
}

func TestWatcher_EntryRemoved(t *testing.T) {
	w := newTestWatcher(t)
	dir := canonicalTempDir(t)
	project := filepath.Join(dir, "demo")
	if err := os.Mkdir(project, 0755); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}
	if err := w.WatchEntry(project); err != nil {
		t.Fatalf("WatchEntry() failed: %v", err)
	}

	elsewhere := canonicalTempDir(t)
	if err := os.Rename(project, filepath.Join(elsewhere, "demo")); err != nil {
		t.Fatalf("Failed to move: %v", err)
	}

	e := waitFor(t, w, func(e Event) bool { return e.Path == project })
	if e.Kind != Removed {
		t.Errorf("got %v, want removed", e)
	}
}
