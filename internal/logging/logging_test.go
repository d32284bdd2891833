package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "syncd.log")
	sink := New(Config{File: path, Quiet: true})
	defer sink.Close()

	sink.Logger("watcher").Printf("watching %s", "/data")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[watcher] ") {
		t.Errorf("log line %q lacks component prefix", line)
	}
	if !strings.Contains(line, "watching /data") {
		t.Errorf("log line %q lacks message", line)
	}
}

func TestSink_QuietWithoutFile(t *testing.T) {
	sink := New(Config{Quiet: true})

	// must not panic or write anywhere
	sink.Logger("server").Println("discarded")
	if err := sink.Rotate(); err != nil {
		t.Errorf("Rotate() failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}
