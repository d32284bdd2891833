package store

import (
	"fmt"
	"sort"

	"github.com/projgraph/syncd/internal/resource"
)

// Find returns copies of every resource at or below the container root that matches f.
// A nil root searches every open project.
func (s *Store) Find(root resource.ID, f resource.Filter) ([]resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var roots []resource.ID
	if root == resource.Nil {
		pids := make([]resource.ID, 0, len(s.projects))
		for pid := range s.projects {
			pids = append(pids, pid)
		}
		sort.Slice(pids, func(i, j int) bool {
			return s.projects[pids[i]].info.Path < s.projects[pids[j]].info.Path
		})
		for _, pid := range pids {
			roots = append(roots, s.projects[pid].graph.Root())
		}
	} else {
		roots = []resource.ID{root}
	}

	var out []resource.Resource
	for _, r := range roots {
		p, err := s.lookup(r)
		if err != nil {
			return nil, err
		}
		if _, ok := p.graph.Container(r); !ok {
			return nil, fmt.Errorf("container %s: %w", r, ErrNotFound)
		}

		for _, cid := range p.graph.Descendants(r) {
			c, _ := p.graph.Container(cid)
			if f.Matches(resource.KindContainer, c.Properties) {
				out = append(out, c.Clone())
			}
			for _, aid := range c.Assets {
				a, _ := p.graph.Asset(aid)
				if f.Matches(resource.KindAsset, a.Properties) {
					out = append(out, a.Clone())
				}
			}
		}
	}
	return out, nil
}
