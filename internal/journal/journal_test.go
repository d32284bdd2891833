package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func mustUpdate(t *testing.T, project resource.ID, kind protocol.UpdateKind, at time.Time) protocol.Update {
	t.Helper()
	u, err := protocol.NewUpdate(project, resource.NewID(), kind, protocol.AssetRemovedData{Asset: resource.NewID()})
	if err != nil {
		t.Fatalf("NewUpdate() failed: %v", err)
	}
	u.Timestamp = at
	return u
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()

	if j.Path() != path {
		t.Errorf("Path() = %q, want %q", j.Path(), path)
	}
}

func TestAppend_SequencesIncrease(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	project := resource.NewID()
	now := time.Now().UTC()

	seqs, err := j.Append(ctx,
		mustUpdate(t, project, protocol.AssetCreated, now),
		mustUpdate(t, project, protocol.AssetRemoved, now),
	)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if len(seqs) != 2 || seqs[1] <= seqs[0] {
		t.Fatalf("sequences = %v, want two increasing values", seqs)
	}

	more, err := j.Append(ctx, mustUpdate(t, project, protocol.GraphMoved, now))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if more[0] <= seqs[1] {
		t.Errorf("sequence %d not above %d", more[0], seqs[1])
	}

	latest, err := j.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	if latest != more[0] {
		t.Errorf("Latest() = %d, want %d", latest, more[0])
	}
}

func TestAppend_Empty(t *testing.T) {
	j := openTestJournal(t)

	seqs, err := j.Append(context.Background())
	if err != nil || seqs != nil {
		t.Errorf("Append() = %v, %v; want nil, nil", seqs, err)
	}
	latest, err := j.Latest(context.Background())
	if err != nil || latest != 0 {
		t.Errorf("Latest() = %d, %v; want 0, nil", latest, err)
	}
}

func TestSince(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	a, b := resource.NewID(), resource.NewID()
	now := time.Now().UTC()

	first := mustUpdate(t, a, protocol.GraphCreated, now)
	seqs, err := j.Append(ctx,
		first,
		mustUpdate(t, b, protocol.GraphRemoved, now),
		mustUpdate(t, a, protocol.AssetMoved, now),
		mustUpdate(t, resource.Nil, protocol.AppProjectManifest, now),
	)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	tests := []struct {
		name    string
		seq     int64
		project resource.ID
		limit   int
		want    []protocol.UpdateKind
	}{
		{"all", 0, resource.Nil, 0, []protocol.UpdateKind{protocol.GraphCreated, protocol.GraphRemoved, protocol.AssetMoved, protocol.AppProjectManifest}},
		{"after first", seqs[0], resource.Nil, 0, []protocol.UpdateKind{protocol.GraphRemoved, protocol.AssetMoved, protocol.AppProjectManifest}},
		{"one project", 0, a, 0, []protocol.UpdateKind{protocol.GraphCreated, protocol.AssetMoved}},
		{"limited", 0, resource.Nil, 2, []protocol.UpdateKind{protocol.GraphCreated, protocol.GraphRemoved}},
		{"caught up", seqs[3], resource.Nil, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Since(ctx, tt.seq, tt.project, tt.limit)
			if err != nil {
				t.Fatalf("Since() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Since() returned %d updates, want %d", len(got), len(tt.want))
			}
			for i, ju := range got {
				if ju.Update.Kind != tt.want[i] {
					t.Errorf("update %d kind = %s, want %s", i, ju.Update.Kind, tt.want[i])
				}
			}
		})
	}

	got, err := j.Since(ctx, 0, a, 1)
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	u := got[0].Update
	if u.ID != first.ID || u.Cause != first.Cause || u.Project != a {
		t.Errorf("round trip changed identity: got %+v, want %+v", u, first)
	}
	if !u.Timestamp.Equal(first.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", u.Timestamp, first.Timestamp)
	}
	var data protocol.AssetRemovedData
	if err := u.Decode(&data); err != nil {
		t.Errorf("Decode() failed: %v", err)
	}
}

func TestSinceTimeAndPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	project := resource.NewID()
	now := time.Now().UTC()

	_, err := j.Append(ctx,
		mustUpdate(t, project, protocol.AssetCreated, now.Add(-3*time.Hour)),
		mustUpdate(t, project, protocol.AssetPathChanged, now.Add(-time.Hour)),
		mustUpdate(t, project, protocol.AssetRemoved, now),
	)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	got, err := j.SinceTime(ctx, now.Add(-2*time.Hour), resource.Nil, 0)
	if err != nil {
		t.Fatalf("SinceTime() failed: %v", err)
	}
	if len(got) != 2 || got[0].Update.Kind != protocol.AssetPathChanged {
		t.Errorf("SinceTime() = %+v, want the last two updates", got)
	}

	n, err := j.Prune(ctx, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Prune() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}

	all, err := j.Since(ctx, 0, resource.Nil, 0)
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("after prune %d updates remain, want 2", len(all))
	}
}
