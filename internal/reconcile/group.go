package reconcile

import (
	"os"
	"path/filepath"

	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/watcher"
)

// isReservedFile reports whether path is a container or asset manifest inside a reserved folder.
func isReservedFile(path string) bool {
	if filepath.Base(filepath.Dir(path)) != pathutil.ReservedDir {
		return false
	}
	switch filepath.Base(path) {
	case local.ContainerFile, local.AssetsFile:
		return true
	}
	return false
}

// hidden reports whether path, relative to the data root of its project, has a hidden element.
func (r *Reconciler) hidden(path string) bool {
	if p, ok := r.store.ProjectAt(path); ok {
		if rel, err := filepath.Rel(local.DataRootPath(&p), path); err == nil && rel != "." {
			return pathutil.HasHiddenComponent(rel)
		}
	}
	return pathutil.IsHidden(path)
}

// underAny reports whether a strict ancestor of path is in set.
func underAny(path string, set map[string]bool) bool {
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if set[dir] {
			return true
		}
		if next := filepath.Dir(dir); next == dir {
			return false
		}
	}
}

// group normalizes a batch before it is applied.
//
// It drops metadata-only events, hidden entries and events inside reserved folders other
// than the container and asset manifests; events on a project folder or project file
// are kept. Events below a created or removed folder of the same batch are dropped,
// since handling the folder covers them. Finally it pairs removals
// of known resources with creations of unknown paths: the same path is a replacement,
// the same folder a rename, and the same name a move.
func (r *Reconciler) group(batch []watcher.Event) []watcher.Event {
	events := make([]watcher.Event, 0, len(batch))
	for _, e := range batch {
		if e.Kind == watcher.Other {
			continue
		}
		if r.isManifest(e.Path) {
			events = append(events, e)
			continue
		}
		if _, _, ok := r.projectTarget(e); ok {
			events = append(events, e)
			continue
		}
		if pathutil.IsReserved(e.Path) || (e.From != "" && pathutil.IsReserved(e.From)) {
			if isReservedFile(e.Path) {
				events = append(events, e)
			}
			continue
		}

		switch e.Kind {
		case watcher.Renamed, watcher.Moved:
			hiddenFrom, hiddenTo := r.hidden(e.From), r.hidden(e.Path)
			switch {
			case hiddenFrom && hiddenTo:
				continue
			case hiddenTo:
				e = watcher.Event{Kind: watcher.Removed, Path: e.From, Time: e.Time}
			case hiddenFrom:
				e = watcher.Event{Kind: watcher.Created, Path: e.Path, Time: e.Time}
			}
		default:
			if r.hidden(e.Path) {
				continue
			}
		}
		events = append(events, e)
	}

	created := make(map[string]bool)
	removed := make(map[string]bool)
	for _, e := range events {
		switch e.Kind {
		case watcher.Created:
			created[e.Path] = true
		case watcher.Removed:
			removed[e.Path] = true
		}
	}
	kept := events[:0]
	for _, e := range events {
		if e.Kind == watcher.Created && underAny(e.Path, created) {
			continue
		}
		if e.Kind == watcher.Removed && underAny(e.Path, removed) {
			continue
		}
		kept = append(kept, e)
	}
	events = kept

	return r.pair(events)
}

func (r *Reconciler) pair(events []watcher.Event) []watcher.Event {
	dropped := make([]bool, len(events))

	compatible := func(id resource.ID, path string) bool {
		kind, err := r.store.Kind(id)
		if err != nil {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir() == (kind == resource.KindContainer)
	}

	find := func(from string, id resource.ID, match func(string) bool) int {
		for j, e := range events {
			if dropped[j] || e.Kind != watcher.Created || !match(e.Path) {
				continue
			}
			if _, known := r.store.IDByPath(e.Path); known && e.Path != from {
				continue
			}
			if compatible(id, e.Path) {
				return j
			}
		}
		return -1
	}

	for i, e := range events {
		if dropped[i] || e.Kind != watcher.Removed {
			continue
		}
		id, known := r.store.IDByPath(e.Path)
		if !known {
			continue
		}

		from := e.Path
		if j := find(from, id, func(p string) bool { return p == from }); j >= 0 {
			dropped[j] = true
			events[i] = watcher.Event{Kind: watcher.DataModified, Path: from, Time: events[j].Time}
			continue
		}
		if j := find(from, id, func(p string) bool { return filepath.Dir(p) == filepath.Dir(from) }); j >= 0 {
			dropped[j] = true
			events[i] = watcher.Event{Kind: watcher.Renamed, Path: events[j].Path, From: from, Time: events[j].Time}
			continue
		}
		if j := find(from, id, func(p string) bool { return filepath.Base(p) == filepath.Base(from) }); j >= 0 {
			dropped[j] = true
			events[i] = watcher.Event{Kind: watcher.Moved, Path: events[j].Path, From: from, Time: events[j].Time}
		}
	}

	out := make([]watcher.Event, 0, len(events))
	for i, e := range events {
		if !dropped[i] {
			out = append(out, e)
		}
	}
	return out
}
