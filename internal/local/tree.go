package local

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/resource"
)

// LoadTree builds the subgraph rooted at dir.
//
// Folders without a container file are initialized as new containers and files
// not yet in their container's manifest become new assets. Manifest entries whose
// file is gone are dropped. Any id that is already taken, either within the tree
// or according to taken, is regenerated. Every container that changed is written back.
// Hidden entries and reserved folders are skipped.
func (a *Adapter) LoadTree(dir string, taken func(resource.ID) bool) (*graph.Graph, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a folder", dir)
	}

	if taken == nil {
		taken = func(resource.ID) bool { return false }
	}
	seen := make(map[resource.ID]bool)
	claim := func(id resource.ID) bool {
		if id == resource.Nil || seen[id] || taken(id) {
			return false
		}
		seen[id] = true
		return true
	}

	return a.loadFolder(dir, claim)
}

func (a *Adapter) loadFolder(dir string, claim func(resource.ID) bool) (*graph.Graph, error) {
	name := filepath.Base(dir)

	var (
		container  *resource.Container
		assets     []*resource.Asset
		saveCont   bool
		saveAssets bool
	)

	if IsContainerFolder(dir) {
		c, as, err := a.LoadContainer(dir)
		if err != nil {
			a.logger.Printf("Warning: reinitializing container %s: %v", dir, err)
		} else {
			container, assets = c, as
		}
	}
	if container == nil {
		container = resource.NewContainer(name)
		saveCont, saveAssets = true, true
	}
	if !claim(container.ID) {
		a.logger.Printf("Regenerating conflicting container id %s in %s", container.ID, dir)
		container.ID = resource.NewID()
		claim(container.ID)
		saveCont = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s: %w", dir, err)
	}

	files := make(map[string]bool)
	var folders []string
	for _, entry := range entries {
		if entry.Name()[0] == '.' {
			continue
		}
		switch {
		case entry.IsDir():
			folders = append(folders, entry.Name())
		case entry.Type().IsRegular():
			files[entry.Name()] = true
		}
	}

	// Reconcile the manifest against the folder's files.
	kept := assets[:0]
	known := make(map[string]bool, len(assets))
	for _, asset := range assets {
		rel := filepath.Clean(asset.Path)
		if !files[rel] || known[rel] {
			saveAssets = true
			continue
		}
		if !claim(asset.ID) {
			asset.ID = resource.NewID()
			claim(asset.ID)
			saveAssets = true
		}
		known[rel] = true
		kept = append(kept, asset)
	}
	assets = kept
	for _, entry := range entries {
		if !files[entry.Name()] || known[entry.Name()] {
			continue
		}
		asset := resource.NewAsset(entry.Name())
		claim(asset.ID)
		assets = append(assets, asset)
		saveAssets = true
	}

	container.Parent = resource.Nil
	container.Children = nil
	container.Assets = nil
	g := graph.New(container, name)
	for _, asset := range assets {
		if err := g.AddAsset(container.ID, asset); err != nil {
			return nil, fmt.Errorf("failed to add asset %s in %s: %w", asset.Path, dir, err)
		}
	}

	if saveCont {
		if err := a.SaveContainer(dir, container); err != nil {
			return nil, err
		}
	}
	if saveAssets {
		if err := a.SaveAssets(dir, assets); err != nil {
			return nil, err
		}
	}

	for _, folder := range folders {
		child, err := a.loadFolder(filepath.Join(dir, folder), claim)
		if err != nil {
			return nil, err
		}
		if err := g.Insert(container.ID, child); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", folder, err)
		}
	}

	return g, nil
}
