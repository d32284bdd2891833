package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies a debounced file-system event.
type Kind int

const (
	// Created indicates a path that did not exist before the window.
	Created Kind = iota
	// Removed indicates a path that existed before the window and is gone.
	Removed
	// Renamed indicates a path moved to a new name in the same folder.
	Renamed
	// Moved indicates a path moved to another folder, keeping its name.
	Moved
	// DataModified indicates content changes, including a remove followed by a re-create.
	DataModified
	// Other covers metadata-only changes such as permissions.
	Other
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case Moved:
		return "moved"
	case DataModified:
		return "modified"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Event is one logical change produced from the raw events of a debounce window.
type Event struct {
	Kind Kind

	// Path is the affected path. For Renamed and Moved it is the destination.
	Path string

	// From is the source path of Renamed and Moved events.
	From string

	// Time is when the last raw event for the path arrived.
	Time time.Time
}

func (e Event) String() string {
	if e.From != "" {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.From, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// pathState accumulates the raw operations seen for one path during a window.
type pathState struct {
	path  string
	ops   []fsnotify.Op
	first time.Time
	last  time.Time

	// wasDir records whether the path was a watched folder when its first event arrived.
	wasDir bool
}

func (ps *pathState) add(op fsnotify.Op, at time.Time) {
	if len(ps.ops) == 0 {
		ps.first = at
	}
	ps.ops = append(ps.ops, op)
	ps.last = at
}

const structural = fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// classify reduces the operations of one path to a single kind.
// renamedAway is set for removals whose last structural operation was a rename,
// which makes them candidates for pairing with a creation elsewhere.
func (ps *pathState) classify() (kind Kind, renamedAway bool, ok bool) {
	var (
		firstStructural fsnotify.Op
		lastStructural  fsnotify.Op
		wrote           bool
	)
	for _, op := range ps.ops {
		if op&structural != 0 {
			if firstStructural == 0 {
				firstStructural = op
			}
			lastStructural = op
		}
		if op.Has(fsnotify.Write) {
			wrote = true
		}
	}

	if lastStructural == 0 {
		if wrote {
			return DataModified, false, true
		}
		return Other, false, true
	}

	existedBefore := !ps.ops[0].Has(fsnotify.Create)
	existsAfter := lastStructural.Has(fsnotify.Create)

	switch {
	case existedBefore && existsAfter:
		return DataModified, false, true
	case !existedBefore && existsAfter:
		return Created, false, true
	case existedBefore && !existsAfter:
		return Removed, lastStructural.Has(fsnotify.Rename), true
	default:
		// created and removed within the window
		return 0, false, false
	}
}

// reduce turns the per-path states of a window, in arrival order, into logical events.
// A rename-away is paired with a creation in the same folder (Renamed) or with the same
// name in another folder (Moved). isDir reports whether a path currently is a folder;
// a pair is only formed when both sides agree on being a folder. Among several
// creations the one that started closest after the rename wins.
func reduce(states []*pathState, isDir func(string) bool) []Event {
	type candidate struct {
		event       Event
		first       time.Time
		renamedAway bool
		wasDir      bool
		dropped     bool
	}

	cands := make([]*candidate, 0, len(states))
	for _, ps := range states {
		kind, renamedAway, ok := ps.classify()
		if !ok {
			continue
		}
		cands = append(cands, &candidate{
			event:       Event{Kind: kind, Path: ps.path, Time: ps.last},
			first:       ps.first,
			renamedAway: renamedAway,
			wasDir:      ps.wasDir,
		})
	}

	// distance ranks creations that started after the rename before earlier ones
	distance := func(from, to *candidate) (bool, time.Duration) {
		d := to.first.Sub(from.event.Time)
		if d < 0 {
			return true, -d
		}
		return false, d
	}
	pair := func(from *candidate, match func(to string) bool) *candidate {
		var best *candidate
		for _, to := range cands {
			if to.dropped || to.event.Kind != Created || !match(to.event.Path) {
				continue
			}
			if isDir(to.event.Path) != from.wasDir {
				continue
			}
			if best == nil {
				best = to
				continue
			}
			bestBefore, bestD := distance(from, best)
			before, d := distance(from, to)
			if (bestBefore && !before) || (bestBefore == before && d < bestD) {
				best = to
			}
		}
		return best
	}

	for _, from := range cands {
		if !from.renamedAway {
			continue
		}
		src := from.event.Path

		kind := Renamed
		to := pair(from, func(p string) bool { return filepath.Dir(p) == filepath.Dir(src) })
		if to == nil {
			kind = Moved
			to = pair(from, func(p string) bool { return filepath.Base(p) == filepath.Base(src) })
		}
		if to == nil {
			continue
		}

		to.dropped = true
		from.event = Event{Kind: kind, Path: to.event.Path, From: src, Time: to.event.Time}
	}

	events := make([]Event, 0, len(cands))
	for _, c := range cands {
		if !c.dropped {
			events = append(events, c.event)
		}
	}
	return events
}
