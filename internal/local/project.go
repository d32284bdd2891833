package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
)

// ProjectFile is the name of the project properties file in the project's reserved folder.
const ProjectFile = "project.json"

// DefaultDataRoot is the data folder of new projects.
const DefaultDataRoot = "data"

// ProjectRecord is the on-disk form of a project file.
type ProjectRecord struct {
	ID          resource.ID `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	DataRoot    string      `json:"data_root,omitempty"`
}

// IsProjectFolder reports whether dir carries a project file.
func IsProjectFolder(dir string) bool {
	_, err := os.Stat(ReservedPath(dir, ProjectFile))
	return err == nil
}

// LoadProject reads the project file of dir.
func (a *Adapter) LoadProject(dir string) (*resource.Project, error) {
	var rec ProjectRecord
	if err := readJSON(ReservedPath(dir, ProjectFile), &rec); err != nil {
		return nil, err
	}
	if rec.ID == resource.Nil {
		return nil, fmt.Errorf("invalid project file in %s: id is required", dir)
	}
	if rec.DataRoot == "" {
		rec.DataRoot = DefaultDataRoot
	}

	canonical, err := pathutil.Canonical(dir)
	if err != nil {
		return nil, err
	}
	return &resource.Project{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Path:        canonical,
		DataRoot:    rec.DataRoot,
	}, nil
}

// SaveProject writes the project file of p.
func (a *Adapter) SaveProject(p *resource.Project) error {
	if err := os.MkdirAll(filepath.Join(p.Path, pathutil.ReservedDir), 0755); err != nil {
		return fmt.Errorf("failed to create reserved folder in %s: %w", p.Path, err)
	}
	return writeJSON(ReservedPath(p.Path, ProjectFile), ProjectRecord{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		DataRoot:    p.DataRoot,
	})
}

// InitProject turns dir into a project with an empty data root.
// It fails with fs.ErrExist if dir already is a project.
func (a *Adapter) InitProject(dir, name string) (*resource.Project, error) {
	if IsProjectFolder(dir) {
		return nil, fmt.Errorf("project already initialized in %s: %w", dir, fs.ErrExist)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project folder %s: %w", dir, err)
	}

	canonical, err := pathutil.Canonical(dir)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(canonical)
	}

	p := &resource.Project{
		ID:       resource.NewID(),
		Name:     name,
		Path:     canonical,
		DataRoot: DefaultDataRoot,
	}

	data := DataRootPath(p)
	if err := os.MkdirAll(data, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root %s: %w", data, err)
	}
	if !IsContainerFolder(data) {
		root := resource.NewContainer(name)
		if err := a.SaveContainer(data, root); err != nil {
			return nil, err
		}
		if err := a.SaveAssets(data, nil); err != nil {
			return nil, err
		}
	}

	if err := a.SaveProject(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DataRootPath returns the folder of the project's root container.
func DataRootPath(p *resource.Project) string {
	return filepath.Join(p.Path, p.DataRoot)
}

// EnsureDataRoot creates the data root of p if it is missing.
func EnsureDataRoot(p *resource.Project) error {
	data := DataRootPath(p)
	if _, err := os.Stat(data); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(data, 0755); err != nil {
			return fmt.Errorf("failed to create data root %s: %w", data, err)
		}
	}
	return nil
}
