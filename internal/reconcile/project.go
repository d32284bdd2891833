package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/watcher"
)

// projectTarget finds the open project whose folder or project file e is about.
// The second result is false for project file events.
func (r *Reconciler) projectTarget(e watcher.Event) (resource.Project, bool, bool) {
	for _, p := range r.store.Projects() {
		if e.Path == p.Path || (e.From != "" && e.From == p.Path) {
			return p, true, true
		}
		file := local.ReservedPath(p.Path, local.ProjectFile)
		if e.Path == file || (e.From != "" && e.From == file) {
			return p, false, true
		}
	}
	return resource.Project{}, false, false
}

// projectFolderChanged handles a rename or removal of the project folder itself.
func (r *Reconciler) projectFolderChanged(b *batch, p resource.Project, e watcher.Event) error {
	switch e.Kind {
	case watcher.Renamed, watcher.Moved:
		if e.From != p.Path {
			return nil
		}
		loaded, err := r.local.LoadProject(e.Path)
		if err != nil || loaded.ID != p.ID {
			// whatever landed there is not this project
			return r.projectGone(b, p)
		}
		if err := r.store.MoveProject(p.ID, loaded.Path); err != nil {
			return err
		}
		moved, err := r.store.Project(p.ID)
		if err != nil {
			return err
		}
		b.moved = append(b.moved, ProjectMove{From: p.Path, Project: moved})
		b.emit(p.ID, protocol.ProjectMoved, protocol.ProjectMovedData{Project: p.ID, From: p.Path, To: moved.Path})
		return nil

	case watcher.Removed:
		if _, err := os.Stat(p.Path); err == nil {
			return nil
		}
		return r.projectGone(b, p)
	}
	return nil
}

func (r *Reconciler) projectGone(b *batch, p resource.Project) error {
	if _, err := r.store.Project(p.ID); err != nil {
		return nil
	}
	if _, err := r.store.RemoveProject(p.ID); err != nil {
		return err
	}
	b.removed = append(b.removed, p)
	b.emit(p.ID, protocol.ProjectRemoved, protocol.ProjectRemovedData{Project: p.ID, Path: p.Path})
	return nil
}

// projectFileChanged re-reads the project file into the store. The store keeps the
// project id; a removed file is restored.
func (r *Reconciler) projectFileChanged(b *batch, p resource.Project, e watcher.Event) error {
	file := local.ReservedPath(p.Path, local.ProjectFile)
	if e.Kind == watcher.Removed || (e.From == file && e.Path != file) {
		if _, err := os.Stat(p.Path); err != nil {
			return nil
		}
		return r.local.SaveProject(&p)
	}

	loaded, err := r.local.LoadProject(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if loaded.ID != p.ID {
		b.emit(p.ID, protocol.AnalysisFlag, protocol.AnalysisFlagData{
			Resource: p.ID,
			Message:  fmt.Sprintf("project file in %s names %s; keeping %s", p.Path, loaded.ID, p.ID),
		})
		return r.local.SaveProject(&p)
	}
	if loaded.DataRoot != p.DataRoot {
		r.logger.Printf("Warning: data root of %s changed to %q; it applies when the project is loaded again", p.ID, loaded.DataRoot)
	}

	changed, err := r.store.UpdateProject(p.ID, loaded.Name, loaded.Description)
	if err != nil || !changed {
		return err
	}
	updated, err := r.store.Project(p.ID)
	if err != nil {
		return err
	}
	b.emit(p.ID, protocol.ProjectProperties, protocol.ProjectPropertiesData{Project: updated})
	return nil
}
