//go:build unix

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "syncd.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if pid, ok := Holder(path); !ok || pid != os.Getpid() {
		t.Errorf("Holder() = %d, %v; want %d, true", pid, ok, os.Getpid())
	}

	// flock locks belong to the open file description, so a second open conflicts
	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release() failed: %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	defer again.Release()
}

func TestHolder_Missing(t *testing.T) {
	if _, ok := Holder(filepath.Join(t.TempDir(), "none.lock")); ok {
		t.Error("Holder() reported a pid for a missing file")
	}
}
