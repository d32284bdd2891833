// Package store holds the resource graphs of all open projects together with the
// path index used to resolve file-system paths to resources.
//
// Every method acquires the store lock for its full duration, so each operation
// observes and leaves a consistent graph and index. Mutations validate before they
// change anything: on error, neither the graph nor the index has been touched.
package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
)

// Errors returned by store operations; aliases of the graph errors so that
// errors.Is works with either.
var (
	ErrNotFound          = graph.ErrNotFound
	ErrAlreadyExists     = graph.ErrAlreadyExists
	ErrInvalidTransition = graph.ErrInvalidTransition
	ErrInconsistentState = graph.ErrInconsistentState
)

type project struct {
	info  resource.Project
	graph *graph.Graph
}

func (p *project) dataRoot() string {
	return filepath.Join(p.info.Path, p.info.DataRoot)
}

// Store is the lock-guarded owner of every project graph.
type Store struct {
	mu       sync.Mutex
	projects map[resource.ID]*project

	// owner maps every container and asset to its project.
	owner map[resource.ID]resource.ID
	index *PathIndex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		projects: make(map[resource.ID]*project),
		owner:    make(map[resource.ID]resource.ID),
		index:    NewPathIndex(),
	}
}

// pathsOf returns the absolute path of every container and asset in the subtree at root,
// given that the graph's root container lives at base.
func pathsOf(g *graph.Graph, base string, root resource.ID) (map[resource.ID]string, error) {
	out := make(map[resource.ID]string)
	for _, cid := range g.Descendants(root) {
		rel, err := g.RelPath(cid)
		if err != nil {
			return nil, err
		}
		out[cid] = filepath.Join(base, rel)

		c, _ := g.Container(cid)
		for _, aid := range c.Assets {
			rel, err := g.AssetRelPath(aid)
			if err != nil {
				return nil, err
			}
			out[aid] = filepath.Join(base, rel)
		}
	}
	return out, nil
}

func (s *Store) lookup(id resource.ID) (*project, error) {
	pid, ok := s.owner[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	p, ok := s.projects[pid]
	if !ok {
		return nil, fmt.Errorf("owner project %s of %s missing: %w", pid, id, ErrInconsistentState)
	}
	return p, nil
}

func (s *Store) resolve(path string) (resource.ID, bool) {
	if id, ok := s.index.ID(filepath.Clean(path)); ok {
		return id, true
	}
	canonical, err := pathutil.Canonical(path)
	if err != nil {
		return resource.Nil, false
	}
	return s.index.ID(canonical)
}

func (s *Store) checkFree(paths map[resource.ID]string) error {
	for id, path := range paths {
		if _, dup := s.owner[id]; dup {
			return fmt.Errorf("resource %s: %w", id, ErrAlreadyExists)
		}
		if other, taken := s.index.ID(path); taken {
			return fmt.Errorf("path %s already claimed by %s: %w", path, other, ErrAlreadyExists)
		}
	}
	return nil
}

// InsertProject adds a project with its loaded graph. The graph root is the project's data root.
func (s *Store) InsertProject(info resource.Project, g *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.projects[info.ID]; dup {
		return fmt.Errorf("project %s: %w", info.ID, ErrAlreadyExists)
	}
	if err := g.Validate(); err != nil {
		return err
	}

	p := &project{info: info, graph: g}
	paths, err := pathsOf(g, p.dataRoot(), g.Root())
	if err != nil {
		return err
	}
	if err := s.checkFree(paths); err != nil {
		return err
	}

	s.projects[info.ID] = p
	for id, path := range paths {
		s.index.Set(path, id)
		s.owner[id] = info.ID
	}
	return nil
}

// RemoveProject drops a project and returns its graph.
func (s *Store) RemoveProject(id resource.ID) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	paths, err := pathsOf(p.graph, p.dataRoot(), p.graph.Root())
	if err != nil {
		return nil, err
	}
	for rid := range paths {
		s.index.Delete(rid)
		delete(s.owner, rid)
	}
	delete(s.projects, id)
	return p.graph, nil
}

// Projects returns every open project, sorted by path.
func (s *Store) Projects() []resource.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]resource.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Project returns an open project.
func (s *Store) Project(id resource.ID) (resource.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return resource.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p.info, nil
}

// ProjectOf returns the project a container or asset belongs to.
func (s *Store) ProjectOf(id resource.ID) (resource.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, ok := s.owner[id]
	if !ok {
		return resource.Nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return pid, nil
}

// ProjectAt returns the open project whose folder contains path.
func (s *Store) ProjectAt(path string) (resource.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if pathutil.IsWithin(p.info.Path, path) {
			return p.info, true
		}
	}
	return resource.Project{}, false
}

// UpdateProject replaces the name and description of an open project.
// It reports whether anything changed.
func (s *Store) UpdateProject(id resource.ID, name, description string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return false, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if p.info.Name == name && p.info.Description == description {
		return false, nil
	}
	p.info.Name = name
	p.info.Description = description
	return true, nil
}

// MoveProject changes the folder of an open project. The paths of all its
// resources follow.
func (s *Store) MoveProject(id resource.ID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	for _, other := range s.projects {
		if other != p && other.info.Path == path {
			return fmt.Errorf("project folder %s already open as %s: %w", path, other.info.ID, ErrAlreadyExists)
		}
	}

	moved := &project{info: p.info, graph: p.graph}
	moved.info.Path = path
	paths, err := pathsOf(p.graph, moved.dataRoot(), p.graph.Root())
	if err != nil {
		return err
	}
	for _, rp := range paths {
		if other, taken := s.index.ID(rp); taken && s.owner[other] != id {
			return fmt.Errorf("path %s already claimed by %s: %w", rp, other, ErrAlreadyExists)
		}
	}

	for rid := range paths {
		s.index.Delete(rid)
	}
	for rid, rp := range paths {
		s.index.Set(rp, rid)
	}
	p.info.Path = path
	return nil
}

// Graph returns a copy of a project's graph.
func (s *Store) Graph(projectID resource.ID) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return p.graph.Clone(), nil
}

// Has reports whether id names a container or asset in the store.
func (s *Store) Has(id resource.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.owner[id]
	return ok
}

// Kind reports whether id is a container or an asset.
func (s *Store) Kind(id resource.ID) (resource.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	if _, ok := p.graph.Container(id); ok {
		return resource.KindContainer, nil
	}
	return resource.KindAsset, nil
}

func (s *Store) get(id resource.ID) (resource.Resource, error) {
	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if c, ok := p.graph.Container(id); ok {
		return c.Clone(), nil
	}
	if a, ok := p.graph.Asset(id); ok {
		return a.Clone(), nil
	}
	return nil, fmt.Errorf("resource %s indexed but not in graph: %w", id, ErrInconsistentState)
}

// Get returns a copy of the container or asset with the given ID.
func (s *Store) Get(id resource.ID) (resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// Container returns a copy of a container.
func (s *Store) Container(id resource.ID) (*resource.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c, ok := p.graph.Container(id)
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// Asset returns a copy of an asset.
func (s *Store) Asset(id resource.ID) (*resource.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	a, ok := p.graph.Asset(id)
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// GetByPath returns a copy of the resource at path.
func (s *Store) GetByPath(path string) (resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.resolve(path)
	if !ok {
		return nil, fmt.Errorf("path %s: %w", path, ErrNotFound)
	}
	return s.get(id)
}

// IDByPath returns the ID of the resource at path.
func (s *Store) IDByPath(path string) (resource.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(path)
}

// Path returns the absolute path of a resource.
func (s *Store) Path(id resource.ID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.index.Path(id)
	if !ok {
		return "", fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// Parent returns the parent of a container or the owner of an asset.
// The parent of a graph root is nil.
func (s *Store) Parent(id resource.ID) (*resource.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	parent := resource.Nil
	if c, ok := p.graph.Container(id); ok {
		parent = c.Parent
	} else if a, ok := p.graph.Asset(id); ok {
		parent = a.Container
	}
	if parent == resource.Nil {
		return nil, nil
	}

	pc, ok := p.graph.Container(parent)
	if !ok {
		return nil, fmt.Errorf("parent %s of %s: %w", parent, id, ErrInconsistentState)
	}
	return pc.Clone(), nil
}

// Children returns copies of a container's child containers in insertion order.
func (s *Store) Children(id resource.ID) ([]*resource.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c, ok := p.graph.Container(id)
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}

	out := make([]*resource.Container, 0, len(c.Children))
	for _, cid := range c.Children {
		child, _ := p.graph.Container(cid)
		out = append(out, child.Clone())
	}
	return out, nil
}

// Assets returns copies of a container's assets in insertion order.
func (s *Store) Assets(id resource.ID) ([]*resource.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c, ok := p.graph.Container(id)
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}

	out := make([]*resource.Asset, 0, len(c.Assets))
	for _, aid := range c.Assets {
		a, _ := p.graph.Asset(aid)
		out = append(out, a.Clone())
	}
	return out, nil
}

// InsertSubgraph attaches sub below the container parent. The folder of sub's root
// is named by its segment.
func (s *Store) InsertSubgraph(parent resource.ID, sub *graph.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(parent)
	if err != nil {
		return err
	}
	if _, ok := p.graph.Container(parent); !ok {
		return fmt.Errorf("parent %s is not a container: %w", parent, ErrInvalidTransition)
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	parentPath, ok := s.index.Path(parent)
	if !ok {
		return fmt.Errorf("container %s not indexed: %w", parent, ErrInconsistentState)
	}
	segment, _ := sub.Segment(sub.Root())
	paths, err := pathsOf(sub, filepath.Join(parentPath, segment), sub.Root())
	if err != nil {
		return err
	}
	if err := s.checkFree(paths); err != nil {
		return err
	}

	if err := p.graph.Insert(parent, sub); err != nil {
		return err
	}
	for id, path := range paths {
		s.index.Set(path, id)
		s.owner[id] = p.info.ID
	}
	return nil
}

// RemoveSubgraph detaches the container root and everything below it.
// Project roots are removed with RemoveProject.
func (s *Store) RemoveSubgraph(root resource.ID) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(root)
	if err != nil {
		return nil, err
	}
	if _, ok := p.graph.Container(root); !ok {
		return nil, fmt.Errorf("container %s: %w", root, ErrNotFound)
	}

	sub, err := p.graph.Remove(root)
	if err != nil {
		return nil, err
	}
	for _, cid := range sub.Descendants(sub.Root()) {
		s.index.Delete(cid)
		delete(s.owner, cid)
	}
	for _, aid := range sub.AssetIDs() {
		s.index.Delete(aid)
		delete(s.owner, aid)
	}
	return sub, nil
}

// UpdateProperties replaces the properties of a container or asset.
// It reports whether anything changed.
func (s *Store) UpdateProperties(id resource.ID, props resource.Properties) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProperties(id, props)
}

func (s *Store) updateProperties(id resource.ID, props resource.Properties) (bool, error) {
	p, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if c, ok := p.graph.Container(id); ok {
		if c.Properties.Equal(props) {
			return false, nil
		}
		c.Properties = props.Clone()
		return true, nil
	}
	if a, ok := p.graph.Asset(id); ok {
		if a.Properties.Equal(props) {
			return false, nil
		}
		a.Properties = props.Clone()
		return true, nil
	}
	return false, fmt.Errorf("resource %s: %w", id, ErrInconsistentState)
}

// BulkResult reports the outcome of BulkUpdateProperties.
type BulkResult struct {
	Updated  []resource.ID `json:"updated"`
	NotFound []resource.ID `json:"not_found"`
}

// BulkUpdateProperties applies one update to each resource. Missing IDs are reported
// in NotFound and do not prevent the update of the others.
func (s *Store) BulkUpdateProperties(ids []resource.ID, update resource.PropertiesUpdate) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := BulkResult{Updated: []resource.ID{}, NotFound: []resource.ID{}}
	type change struct {
		id    resource.ID
		props resource.Properties
	}
	var changes []change
	for _, id := range ids {
		r, err := s.get(id)
		if err != nil {
			if graph.IsDefect(err) {
				return BulkResult{}, err
			}
			res.NotFound = append(res.NotFound, id)
			continue
		}
		var props resource.Properties
		switch v := r.(type) {
		case *resource.Container:
			props = v.Properties
		case *resource.Asset:
			props = v.Properties
		}
		changes = append(changes, change{id: id, props: update.Apply(props)})
	}

	for _, c := range changes {
		if _, err := s.updateProperties(c.id, c.props); err != nil {
			return res, err
		}
		res.Updated = append(res.Updated, c.id)
	}
	return res, nil
}

// SetAnalyses replaces a container's analysis associations.
func (s *Store) SetAnalyses(id resource.ID, assocs []resource.AnalysisAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	c, ok := p.graph.Container(id)
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	c.Analyses = append([]resource.AnalysisAssociation(nil), assocs...)
	return nil
}

// MovePath changes the location of a container or asset to newPath.
//
// A container moved within its parent folder is renamed; otherwise it is re-parented
// under the container at newPath's folder. Either way its name property follows the
// folder name and every descendant path is re-indexed. Assets are re-pathed and,
// when the folder changes, re-owned. Moves across projects are invalid.
func (s *Store) MovePath(id resource.ID, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newPath = filepath.Clean(newPath)
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	oldPath, ok := s.index.Path(id)
	if !ok {
		return fmt.Errorf("resource %s not indexed: %w", id, ErrInconsistentState)
	}
	if oldPath == newPath {
		return nil
	}
	if other, taken := s.index.ID(newPath); taken && other != id {
		return fmt.Errorf("path %s already claimed by %s: %w", newPath, other, ErrAlreadyExists)
	}

	parentID, ok := s.index.ID(filepath.Dir(newPath))
	if !ok {
		return fmt.Errorf("no container at %s: %w", filepath.Dir(newPath), ErrNotFound)
	}
	if s.owner[parentID] != p.info.ID {
		return fmt.Errorf("cannot move %s across projects: %w", id, ErrInvalidTransition)
	}
	if _, ok := p.graph.Container(parentID); !ok {
		return fmt.Errorf("target folder %s is an asset: %w", filepath.Dir(newPath), ErrInvalidTransition)
	}
	name := filepath.Base(newPath)

	c, isContainer := p.graph.Container(id)
	if !isContainer {
		if err := p.graph.MoveAsset(id, parentID, name); err != nil {
			return err
		}
		s.index.Set(newPath, id)
		return nil
	}

	if id == p.graph.Root() {
		return fmt.Errorf("cannot move project root %s: %w", id, ErrInvalidTransition)
	}
	oldPaths, err := pathsOf(p.graph, p.dataRoot(), id)
	if err != nil {
		return err
	}
	newPaths := make(map[resource.ID]string, len(oldPaths))
	for rid, old := range oldPaths {
		rebased, ok := pathutil.Rebase(old, oldPath, newPath)
		if !ok {
			return fmt.Errorf("path %s outside %s: %w", old, oldPath, ErrInconsistentState)
		}
		if other, taken := s.index.ID(rebased); taken {
			if _, inSubtree := oldPaths[other]; !inSubtree {
				return fmt.Errorf("path %s already claimed by %s: %w", rebased, other, ErrAlreadyExists)
			}
		}
		newPaths[rid] = rebased
	}

	if err := p.graph.Move(id, parentID, name); err != nil {
		return err
	}
	c.Properties.Name = name

	for rid := range oldPaths {
		s.index.Delete(rid)
	}
	for rid, path := range newPaths {
		s.index.Set(path, rid)
	}
	return nil
}

// AddAsset adds a new asset to a container. The asset's path is relative to the container folder.
func (s *Store) AddAsset(container resource.ID, a *resource.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(container)
	if err != nil {
		return err
	}
	dir, ok := s.index.Path(container)
	if !ok {
		return fmt.Errorf("container %s not indexed: %w", container, ErrInconsistentState)
	}
	path := filepath.Join(dir, a.Path)
	if err := s.checkFree(map[resource.ID]string{a.ID: path}); err != nil {
		return err
	}

	if err := p.graph.AddAsset(container, a); err != nil {
		return err
	}
	s.index.Set(path, a.ID)
	s.owner[a.ID] = p.info.ID
	return nil
}

// RemoveAsset removes an asset and returns it.
func (s *Store) RemoveAsset(id resource.ID) (*resource.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	a, err := p.graph.RemoveAsset(id)
	if err != nil {
		return nil, err
	}
	s.index.Delete(id)
	delete(s.owner, id)
	return a, nil
}

// Counts returns the number of open projects, containers and assets.
func (s *Store) Counts() (projects, containers, assets int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		containers += p.graph.Len()
		assets += len(p.graph.AssetIDs())
	}
	return len(s.projects), containers, assets
}

// Validate checks every graph and that the path index agrees with the paths
// derived from the graphs.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for pid, p := range s.projects {
		if err := p.graph.Validate(); err != nil {
			return fmt.Errorf("project %s: %w", pid, err)
		}
		paths, err := pathsOf(p.graph, p.dataRoot(), p.graph.Root())
		if err != nil {
			return err
		}
		for id, want := range paths {
			got, ok := s.index.Path(id)
			if !ok || got != want {
				return fmt.Errorf("index path of %s is %q, graph says %q: %w", id, got, want, ErrInconsistentState)
			}
			if back, _ := s.index.ID(want); back != id {
				return fmt.Errorf("index maps %s to %s, want %s: %w", want, back, id, ErrInconsistentState)
			}
			if s.owner[id] != pid {
				return fmt.Errorf("resource %s owned by %s, want %s: %w", id, s.owner[id], pid, ErrInconsistentState)
			}
		}
		total += len(paths)
	}
	if s.index.Len() != total || len(s.owner) != total {
		return fmt.Errorf("index holds %d entries, graphs hold %d: %w", s.index.Len(), total, ErrInconsistentState)
	}
	return nil
}
