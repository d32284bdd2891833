package watcher_test

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/projgraph/syncd/internal/watcher"
)

// ExampleWatcher demonstrates watching a folder and reading debounced batches.
func ExampleWatcher() {
	dir, err := os.MkdirTemp("", "watcher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	config := watcher.DefaultConfig()
	config.Debounce = 20 * time.Millisecond
	config.Logger = log.New(io.Discard, "", 0)

	w, err := watcher.New(config)
	if err != nil {
		log.Fatal(err)
	}
	if err := w.Start(); err != nil {
		log.Fatal(err)
	}
	defer w.Stop()

	if err := w.Watch(dir); err != nil {
		log.Fatal(err)
	}

	// a create followed by writes in one window is reported once
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("first"), 0644); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("second"), 0644); err != nil {
		log.Fatal(err)
	}

	select {
	case batch := <-w.Batches():
		for _, e := range batch {
			fmt.Printf("%s %s\n", e.Kind, filepath.Base(e.Path))
		}
	case <-time.After(2 * time.Second):
		fmt.Println("no events")
	}

	// Output:
	// created notes.txt
}
