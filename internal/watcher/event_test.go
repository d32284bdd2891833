package watcher

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func state(path string, ops ...fsnotify.Op) *pathState {
	ps := &pathState{path: filepath.FromSlash(path)}
	for _, op := range ops {
		ps.add(op, time.Now())
	}
	return ps
}

func noDirs(string) bool { return false }

func TestPathState_Classify(t *testing.T) {
	tests := []struct {
		name        string
		ops         []fsnotify.Op
		want        Kind
		renamedAway bool
		dropped     bool
	}{
		{name: "create", ops: []fsnotify.Op{fsnotify.Create, fsnotify.Write}, want: Created},
		{name: "write", ops: []fsnotify.Op{fsnotify.Write, fsnotify.Write}, want: DataModified},
		{name: "chmod", ops: []fsnotify.Op{fsnotify.Chmod}, want: Other},
		{name: "remove", ops: []fsnotify.Op{fsnotify.Remove}, want: Removed},
		{name: "rename away", ops: []fsnotify.Op{fsnotify.Rename}, want: Removed, renamedAway: true},
		{name: "save by replace", ops: []fsnotify.Op{fsnotify.Remove, fsnotify.Create, fsnotify.Write}, want: DataModified},
		{name: "write then remove", ops: []fsnotify.Op{fsnotify.Write, fsnotify.Remove}, want: Removed},
		{name: "temporary file", ops: []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Remove}, dropped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, renamedAway, ok := state("/r/f", tt.ops...).classify()
			if ok == tt.dropped {
				t.Fatalf("classify() ok = %v, want %v", ok, !tt.dropped)
			}
			if tt.dropped {
				return
			}
			if kind != tt.want {
				t.Errorf("classify() kind = %v, want %v", kind, tt.want)
			}
			if renamedAway != tt.renamedAway {
				t.Errorf("classify() renamedAway = %v, want %v", renamedAway, tt.renamedAway)
			}
		})
	}
}

func TestReduce_PairsRenameInSameFolder(t *testing.T) {
	events := reduce([]*pathState{
		state("/r/a.txt", fsnotify.Rename),
		state("/r/b.txt", fsnotify.Create),
	}, noDirs)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %v", len(events), events)
	}
	e := events[0]
	if e.Kind != Renamed || e.From != filepath.FromSlash("/r/a.txt") || e.Path != filepath.FromSlash("/r/b.txt") {
		t.Errorf("unexpected event %v", e)
	}
}

func TestReduce_PairsMoveAcrossFolders(t *testing.T) {
	events := reduce([]*pathState{
		state("/r/x/a.txt", fsnotify.Rename),
		state("/r/y/a.txt", fsnotify.Create),
	}, noDirs)

	if len(events) != 1 || events[0].Kind != Moved {
		t.Fatalf("expected one Moved event, got %v", events)
	}
}

func TestReduce_LoneRenameIsRemoval(t *testing.T) {
	events := reduce([]*pathState{
		state("/r/x/a.txt", fsnotify.Rename),
		state("/r/y/b.txt", fsnotify.Create),
	}, noDirs)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", events)
	}
	if events[0].Kind != Removed || events[1].Kind != Created {
		t.Errorf("unexpected events %v", events)
	}
}

func TestReduce_DoesNotPairFolderWithFile(t *testing.T) {
	from := state("/r/dir", fsnotify.Rename)
	from.wasDir = true

	events := reduce([]*pathState{from, state("/r/file", fsnotify.Create)}, noDirs)
	if len(events) != 2 {
		t.Fatalf("expected folder rename and file create to stay apart, got %v", events)
	}

	isDir := func(p string) bool { return p == filepath.FromSlash("/r/renamed") }
	events = reduce([]*pathState{from, state("/r/renamed", fsnotify.Create)}, isDir)
	if len(events) != 1 || events[0].Kind != Renamed {
		t.Fatalf("expected folder rename, got %v", events)
	}
}

func TestReduce_PairsNearestFollowingCreation(t *testing.T) {
	base := time.Now()
	at := func(path string, op fsnotify.Op, offset time.Duration) *pathState {
		ps := &pathState{path: filepath.FromSlash(path)}
		ps.add(op, base.Add(offset))
		return ps
	}

	events := reduce([]*pathState{
		at("/r/other.txt", fsnotify.Create, 0),
		at("/r/a.txt", fsnotify.Rename, 10*time.Millisecond),
		at("/r/b.txt", fsnotify.Create, 11*time.Millisecond),
	}, noDirs)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", events)
	}
	if events[0].Kind != Created || events[0].Path != filepath.FromSlash("/r/other.txt") {
		t.Errorf("unexpected first event %v", events[0])
	}
	if events[1].Kind != Renamed || events[1].Path != filepath.FromSlash("/r/b.txt") {
		t.Errorf("expected rename to b.txt, got %v", events[1])
	}
}

func TestReduce_KeepsArrivalOrder(t *testing.T) {
	events := reduce([]*pathState{
		state("/r/1", fsnotify.Create),
		state("/r/2", fsnotify.Write),
		state("/r/3", fsnotify.Remove),
	}, noDirs)

	want := []Kind{Created, DataModified, Removed}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), events)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d = %v, want %v", i, events[i].Kind, k)
		}
	}
}
