package store

import (
	"sort"

	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
)

// PathIndex maps canonical paths to resource IDs and back.
type PathIndex struct {
	byPath map[string]resource.ID
	byID   map[resource.ID]string
}

// NewPathIndex creates an empty index.
func NewPathIndex() *PathIndex {
	return &PathIndex{
		byPath: make(map[string]resource.ID),
		byID:   make(map[resource.ID]string),
	}
}

// Len returns the number of indexed resources.
func (ix *PathIndex) Len() int {
	return len(ix.byID)
}

// ID returns the resource at path.
func (ix *PathIndex) ID(path string) (resource.ID, bool) {
	id, ok := ix.byPath[path]
	return id, ok
}

// Path returns the path of a resource.
func (ix *PathIndex) Path(id resource.ID) (string, bool) {
	p, ok := ix.byID[id]
	return p, ok
}

// Set maps path to id, replacing any previous path of id.
func (ix *PathIndex) Set(path string, id resource.ID) {
	if old, ok := ix.byID[id]; ok {
		delete(ix.byPath, old)
	}
	ix.byPath[path] = id
	ix.byID[id] = path
}

// Delete removes id from the index.
func (ix *PathIndex) Delete(id resource.ID) {
	if p, ok := ix.byID[id]; ok {
		delete(ix.byPath, p)
		delete(ix.byID, id)
	}
}

// Under returns the indexed paths equal to or below root, sorted.
func (ix *PathIndex) Under(root string) []string {
	var out []string
	for p := range ix.byPath {
		if pathutil.IsWithin(root, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
