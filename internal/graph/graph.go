// Package graph implements the resource graph: a rooted tree of Containers, each owning
// a set of Assets, stored as an arena keyed by resource ID.
//
// All relations (parent, children, asset ownership) are stored as IDs. A Graph is not
// safe for concurrent use; the store serializes access to it.
package graph

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/projgraph/syncd/internal/resource"
)

type node struct {
	container *resource.Container

	// segment is the folder name of the container.
	segment string
}

// Graph is a rooted tree of containers and their assets.
type Graph struct {
	root   resource.ID
	nodes  map[resource.ID]*node
	assets map[resource.ID]*resource.Asset
}

// New creates a graph holding a single root container backed by a folder named segment.
func New(root *resource.Container, segment string) *Graph {
	root.Parent = resource.Nil
	return &Graph{
		root:   root.ID,
		nodes:  map[resource.ID]*node{root.ID: {container: root, segment: segment}},
		assets: make(map[resource.ID]*resource.Asset),
	}
}

// Root returns the ID of the root container.
func (g *Graph) Root() resource.ID {
	return g.root
}

// Len returns the number of containers in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Container returns the container with the given ID. The container is owned by the
// graph; callers outside the store must Clone it before retaining it.
func (g *Graph) Container(id resource.ID) (*resource.Container, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.container, true
}

// Asset returns the asset with the given ID.
func (g *Graph) Asset(id resource.ID) (*resource.Asset, bool) {
	a, ok := g.assets[id]
	return a, ok
}

// Segment returns the folder name of a container.
func (g *Graph) Segment(id resource.ID) (string, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.segment, true
}

// AssetIDs returns the IDs of every asset in the graph, in container preorder.
func (g *Graph) AssetIDs() []resource.ID {
	ids := make([]resource.ID, 0, len(g.assets))
	for _, cid := range g.Descendants(g.root) {
		ids = append(ids, g.nodes[cid].container.Assets...)
	}
	return ids
}

// Descendants returns id and every container below it in preorder.
// It returns nil if id is not in the graph.
func (g *Graph) Descendants(id resource.ID) []resource.ID {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}

	var out []resource.ID
	stack := []resource.ID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)

		children := g.nodes[cur].container.Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out
}

// Ancestors returns the parent chain of id, nearest first, ending at the root.
func (g *Graph) Ancestors(id resource.ID) ([]resource.ID, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}

	var out []resource.ID
	for parent := n.container.Parent; parent != resource.Nil; {
		if len(out) > len(g.nodes) {
			return nil, fmt.Errorf("cycle above container %s: %w", id, ErrInconsistentState)
		}
		pn, ok := g.nodes[parent]
		if !ok {
			return nil, fmt.Errorf("dangling parent %s of %s: %w", parent, id, ErrInconsistentState)
		}
		out = append(out, parent)
		parent = pn.container.Parent
	}
	return out, nil
}

// IsDescendant reports whether id lies in the subtree rooted at of (inclusive).
func (g *Graph) IsDescendant(id, of resource.ID) bool {
	if id == of {
		return true
	}
	ancestors, err := g.Ancestors(id)
	if err != nil {
		return false
	}
	return slices.Contains(ancestors, of)
}

// RelPath returns the path of a container relative to the root container's folder.
// The root itself is ".".
func (g *Graph) RelPath(id resource.ID) (string, error) {
	ancestors, err := g.Ancestors(id)
	if err != nil {
		return "", err
	}
	if len(ancestors) == 0 {
		return ".", nil
	}

	// ancestors ends at the root, whose segment is not part of the relative path
	segments := make([]string, 0, len(ancestors))
	segments = append(segments, g.nodes[id].segment)
	for _, a := range ancestors[:len(ancestors)-1] {
		segments = append(segments, g.nodes[a].segment)
	}
	slices.Reverse(segments)
	return filepath.Join(segments...), nil
}

// AssetRelPath returns the path of an asset relative to the root container's folder.
func (g *Graph) AssetRelPath(id resource.ID) (string, error) {
	a, ok := g.assets[id]
	if !ok {
		return "", fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	dir, err := g.RelPath(a.Container)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, a.Path), nil
}

// ChildBySegment returns the child of parent backed by the folder named segment.
func (g *Graph) ChildBySegment(parent resource.ID, segment string) (resource.ID, bool) {
	n, ok := g.nodes[parent]
	if !ok {
		return resource.Nil, false
	}
	for _, child := range n.container.Children {
		if g.nodes[child].segment == segment {
			return child, true
		}
	}
	return resource.Nil, false
}

// AssetByPath returns the asset of container whose relative path is rel.
func (g *Graph) AssetByPath(container resource.ID, rel string) (resource.ID, bool) {
	n, ok := g.nodes[container]
	if !ok {
		return resource.Nil, false
	}
	rel = filepath.Clean(rel)
	for _, aid := range n.container.Assets {
		if filepath.Clean(g.assets[aid].Path) == rel {
			return aid, true
		}
	}
	return resource.Nil, false
}

// Insert attaches sub below parent. The sub graph is consumed and must not be used afterwards.
func (g *Graph) Insert(parent resource.ID, sub *Graph) error {
	pn, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("parent %s: %w", parent, ErrNotFound)
	}

	segment := sub.nodes[sub.root].segment
	if _, taken := g.ChildBySegment(parent, segment); taken {
		return fmt.Errorf("folder %q under %s: %w", segment, parent, ErrAlreadyExists)
	}
	for id := range sub.nodes {
		if _, dup := g.nodes[id]; dup {
			return fmt.Errorf("container %s: %w", id, ErrAlreadyExists)
		}
	}
	for id := range sub.assets {
		if _, dup := g.assets[id]; dup {
			return fmt.Errorf("asset %s: %w", id, ErrAlreadyExists)
		}
	}

	for id, n := range sub.nodes {
		g.nodes[id] = n
	}
	for id, a := range sub.assets {
		g.assets[id] = a
	}
	sub.nodes[sub.root].container.Parent = parent
	pn.container.Children = append(pn.container.Children, sub.root)
	return nil
}

// Remove detaches the subtree rooted at id and returns it as its own graph.
// The graph root cannot be removed.
func (g *Graph) Remove(id resource.ID) (*Graph, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if id == g.root {
		return nil, fmt.Errorf("cannot remove graph root %s: %w", id, ErrInvalidTransition)
	}

	parent := g.nodes[n.container.Parent]
	parent.container.Children = slices.DeleteFunc(parent.container.Children, func(c resource.ID) bool {
		return c == id
	})

	sub := &Graph{
		root:   id,
		nodes:  make(map[resource.ID]*node),
		assets: make(map[resource.ID]*resource.Asset),
	}
	for _, cid := range g.Descendants(id) {
		cn := g.nodes[cid]
		sub.nodes[cid] = cn
		delete(g.nodes, cid)
		for _, aid := range cn.container.Assets {
			sub.assets[aid] = g.assets[aid]
			delete(g.assets, aid)
		}
	}
	n.container.Parent = resource.Nil
	return sub, nil
}

// AddAsset adds a to container. The asset's container back-reference is set.
func (g *Graph) AddAsset(container resource.ID, a *resource.Asset) error {
	n, ok := g.nodes[container]
	if !ok {
		return fmt.Errorf("container %s: %w", container, ErrNotFound)
	}
	if _, dup := g.assets[a.ID]; dup {
		return fmt.Errorf("asset %s: %w", a.ID, ErrAlreadyExists)
	}
	if _, taken := g.AssetByPath(container, a.Path); taken {
		return fmt.Errorf("asset path %q in %s: %w", a.Path, container, ErrAlreadyExists)
	}

	a.Container = container
	g.assets[a.ID] = a
	n.container.Assets = append(n.container.Assets, a.ID)
	return nil
}

// RemoveAsset removes an asset from its container and returns it.
func (g *Graph) RemoveAsset(id resource.ID) (*resource.Asset, error) {
	a, ok := g.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if n, ok := g.nodes[a.Container]; ok {
		n.container.Assets = slices.DeleteFunc(n.container.Assets, func(x resource.ID) bool {
			return x == id
		})
	}
	delete(g.assets, id)
	return a, nil
}

// Rename changes the folder name of a container.
func (g *Graph) Rename(id resource.ID, segment string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if n.segment == segment {
		return nil
	}
	if id != g.root {
		if _, taken := g.ChildBySegment(n.container.Parent, segment); taken {
			return fmt.Errorf("folder %q: %w", segment, ErrAlreadyExists)
		}
	}
	n.segment = segment
	return nil
}

// Move re-parents a container under newParent with the folder name segment.
func (g *Graph) Move(id, newParent resource.ID, segment string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	pn, ok := g.nodes[newParent]
	if !ok {
		return fmt.Errorf("parent %s: %w", newParent, ErrNotFound)
	}
	if id == g.root {
		return fmt.Errorf("cannot move graph root %s: %w", id, ErrInvalidTransition)
	}
	if g.IsDescendant(newParent, id) {
		return fmt.Errorf("cannot move %s below itself: %w", id, ErrInvalidTransition)
	}
	if newParent == n.container.Parent {
		return g.Rename(id, segment)
	}
	if _, taken := g.ChildBySegment(newParent, segment); taken {
		return fmt.Errorf("folder %q under %s: %w", segment, newParent, ErrAlreadyExists)
	}

	old := g.nodes[n.container.Parent]
	old.container.Children = slices.DeleteFunc(old.container.Children, func(c resource.ID) bool {
		return c == id
	})
	pn.container.Children = append(pn.container.Children, id)
	n.container.Parent = newParent
	n.segment = segment
	return nil
}

// MoveAsset re-owns and re-paths an asset.
func (g *Graph) MoveAsset(id, container resource.ID, rel string) error {
	a, ok := g.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	target, ok := g.nodes[container]
	if !ok {
		return fmt.Errorf("container %s: %w", container, ErrNotFound)
	}
	if other, taken := g.AssetByPath(container, rel); taken && other != id {
		return fmt.Errorf("asset path %q in %s: %w", rel, container, ErrAlreadyExists)
	}

	if a.Container != container {
		if src, ok := g.nodes[a.Container]; ok {
			src.container.Assets = slices.DeleteFunc(src.container.Assets, func(x resource.ID) bool {
				return x == id
			})
		}
		target.container.Assets = append(target.container.Assets, id)
		a.Container = container
	}
	a.Path = rel
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		root:   g.root,
		nodes:  make(map[resource.ID]*node, len(g.nodes)),
		assets: make(map[resource.ID]*resource.Asset, len(g.assets)),
	}
	for id, n := range g.nodes {
		out.nodes[id] = &node{container: n.container.Clone(), segment: n.segment}
	}
	for id, a := range g.assets {
		out.assets[id] = a.Clone()
	}
	return out
}

// Validate checks the tree invariants: a single parent per container, no cycles,
// no duplicate children or sibling folder names, and every asset owned by exactly
// one container with a unique relative path.
func (g *Graph) Validate() error {
	rn, ok := g.nodes[g.root]
	if !ok {
		return fmt.Errorf("missing root %s: %w", g.root, ErrInconsistentState)
	}
	if rn.container.Parent != resource.Nil {
		return fmt.Errorf("root %s has parent: %w", g.root, ErrInconsistentState)
	}

	seen := make(map[resource.ID]bool, len(g.nodes))
	owner := make(map[resource.ID]resource.ID, len(g.assets))
	stack := []resource.ID{g.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			return fmt.Errorf("container %s reached twice: %w", id, ErrInconsistentState)
		}
		seen[id] = true

		n := g.nodes[id]
		segments := make(map[string]bool, len(n.container.Children))
		for _, child := range n.container.Children {
			cn, ok := g.nodes[child]
			if !ok {
				return fmt.Errorf("dangling child %s of %s: %w", child, id, ErrInconsistentState)
			}
			if cn.container.Parent != id {
				return fmt.Errorf("child %s of %s has parent %s: %w", child, id, cn.container.Parent, ErrInconsistentState)
			}
			if segments[cn.segment] {
				return fmt.Errorf("duplicate folder %q under %s: %w", cn.segment, id, ErrInconsistentState)
			}
			segments[cn.segment] = true
			stack = append(stack, child)
		}

		paths := make(map[string]bool, len(n.container.Assets))
		for _, aid := range n.container.Assets {
			a, ok := g.assets[aid]
			if !ok {
				return fmt.Errorf("dangling asset %s of %s: %w", aid, id, ErrInconsistentState)
			}
			if prev, dup := owner[aid]; dup {
				return fmt.Errorf("asset %s claimed by %s and %s: %w", aid, prev, id, ErrInconsistentState)
			}
			owner[aid] = id
			if a.Container != id {
				return fmt.Errorf("asset %s points at %s, owned by %s: %w", aid, a.Container, id, ErrInconsistentState)
			}
			p := filepath.Clean(a.Path)
			if paths[p] {
				return fmt.Errorf("duplicate asset path %q in %s: %w", a.Path, id, ErrInconsistentState)
			}
			paths[p] = true
		}
	}

	if len(seen) != len(g.nodes) {
		return fmt.Errorf("%d containers unreachable from root: %w", len(g.nodes)-len(seen), ErrInconsistentState)
	}
	if len(owner) != len(g.assets) {
		return fmt.Errorf("%d assets without owner: %w", len(g.assets)-len(owner), ErrInconsistentState)
	}
	return nil
}

type snapshotNode struct {
	Segment   string              `json:"segment"`
	Container *resource.Container `json:"container"`
}

type snapshot struct {
	Root       resource.ID       `json:"root"`
	Containers []snapshotNode    `json:"containers"`
	Assets     []*resource.Asset `json:"assets"`
}

// MarshalJSON encodes the graph as a flat list of containers (preorder) and assets.
func (g *Graph) MarshalJSON() ([]byte, error) {
	s := snapshot{
		Root:       g.root,
		Containers: make([]snapshotNode, 0, len(g.nodes)),
		Assets:     make([]*resource.Asset, 0, len(g.assets)),
	}
	for _, id := range g.Descendants(g.root) {
		n := g.nodes[id]
		s.Containers = append(s.Containers, snapshotNode{Segment: n.segment, Container: n.container})
	}
	for _, aid := range g.AssetIDs() {
		s.Assets = append(s.Assets, g.assets[aid])
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes a graph written by MarshalJSON and validates it.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode graph: %w", err)
	}

	out := Graph{
		root:   s.Root,
		nodes:  make(map[resource.ID]*node, len(s.Containers)),
		assets: make(map[resource.ID]*resource.Asset, len(s.Assets)),
	}
	for _, sn := range s.Containers {
		if sn.Container == nil {
			return fmt.Errorf("null container in graph: %w", ErrInconsistentState)
		}
		out.nodes[sn.Container.ID] = &node{container: sn.Container, segment: sn.Segment}
	}
	for _, a := range s.Assets {
		if a == nil {
			return fmt.Errorf("null asset in graph: %w", ErrInconsistentState)
		}
		out.assets[a.ID] = a
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*g = out
	return nil
}
