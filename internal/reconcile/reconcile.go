// Package reconcile applies debounced file-system events to the resource store.
//
// A batch is first grouped: irrelevant events are dropped and removals are paired
// with creations to recover renames and moves. Each remaining event is classified
// against the path index and the disk, then applied as a store mutation. The on-disk
// container and asset manifests are kept in step with the store and every
// mutation yields one or more updates for subscribers.
//
// The reconciler is not safe for concurrent use; the server calls it from its main loop.
package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/store"
	"github.com/projgraph/syncd/internal/watcher"
)

// Config holds the reconciler configuration.
type Config struct {
	// ProjectManifest lists the paths of known projects.
	ProjectManifest string

	// UserManifest lists known users.
	UserManifest string

	// Validate checks the store after every batch.
	Validate bool

	Logger *log.Logger
}

// DefaultConfig returns a configuration without manifests.
func DefaultConfig() *Config {
	return &Config{
		Validate: true,
		Logger:   log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Failure records an event that could not be applied.
type Failure struct {
	Event watcher.Event
	Err   error
}

// Result is the outcome of applying a batch.
type Result struct {
	// Cause is shared by every update of the batch.
	Cause   resource.ID
	Updates []protocol.Update

	// RemovedProjects are projects whose folder or data root disappeared.
	RemovedProjects []resource.Project

	// MovedProjects are projects whose folder was renamed.
	MovedProjects []ProjectMove

	Failures []Failure
}

// ProjectMove records the previous folder of a moved project.
type ProjectMove struct {
	From    string
	Project resource.Project
}

// Reconciler applies watcher batches to a store.
type Reconciler struct {
	store  *store.Store
	local  *local.Adapter
	config *Config
	logger *log.Logger

	manifests map[string][]string
}

// New creates a reconciler over st that persists through adapter.
func New(st *store.Store, adapter *local.Adapter, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	r := &Reconciler{
		store:     st,
		local:     adapter,
		config:    config,
		logger:    config.Logger,
		manifests: make(map[string][]string),
	}
	for _, path := range []string{config.ProjectManifest, config.UserManifest} {
		if path == "" {
			continue
		}
		entries, err := local.ReadManifest(path)
		if err != nil {
			r.logger.Printf("Warning: failed to read manifest %s: %v", path, err)
			entries = []string{}
		}
		r.manifests[path] = entries
	}
	return r
}

func (r *Reconciler) isManifest(path string) bool {
	_, ok := r.manifests[path]
	return ok
}

// Apply reconciles one batch. Events are applied independently: a failing event
// is recorded in the result and the rest of the batch still applies.
func (r *Reconciler) Apply(batch []watcher.Event) Result {
	cause, err := uuid.NewV7()
	if err != nil {
		cause = resource.NewID()
	}
	res := Result{Cause: cause}

	for _, e := range r.group(batch) {
		b, err := r.safeApply(cause, e)
		res.Updates = append(res.Updates, b.updates...)
		res.RemovedProjects = append(res.RemovedProjects, b.removed...)
		res.MovedProjects = append(res.MovedProjects, b.moved...)
		if err != nil {
			if errors.Is(err, graph.ErrInconsistentState) {
				r.logger.Printf("ERROR: %s: %v", e, err)
			} else {
				r.logger.Printf("Warning: %s: %v", e, err)
			}
			res.Failures = append(res.Failures, Failure{Event: e, Err: err})
		}
	}

	if r.config.Validate {
		if err := r.store.Validate(); err != nil {
			r.logger.Printf("ERROR: store inconsistent after batch %s: %v", cause, err)
			res.Failures = append(res.Failures, Failure{Err: err})
		}
	}
	return res
}

// batch collects the updates of a single event.
type batch struct {
	cause   resource.ID
	updates []protocol.Update
	removed []resource.Project
	moved   []ProjectMove
	logger  *log.Logger
}

func (b *batch) emit(project resource.ID, kind protocol.UpdateKind, data any) {
	u, err := protocol.NewUpdate(project, b.cause, kind, data)
	if err != nil {
		b.logger.Printf("Warning: dropping update: %v", err)
		return
	}
	b.updates = append(b.updates, u)
}

func (r *Reconciler) safeApply(cause resource.ID, e watcher.Event) (b *batch, err error) {
	b = &batch{cause: cause, logger: r.logger}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while applying event: %v: %w", p, graph.ErrInconsistentState)
		}
	}()
	err = r.apply(b, e)
	return b, err
}

func (r *Reconciler) apply(b *batch, e watcher.Event) error {
	if r.isManifest(e.Path) {
		return r.manifestChanged(b, e.Path)
	}
	if p, folder, ok := r.projectTarget(e); ok {
		if folder {
			return r.projectFolderChanged(b, p, e)
		}
		return r.projectFileChanged(b, p, e)
	}
	if isReservedFile(e.Path) {
		return r.reservedChanged(b, e)
	}

	switch e.Kind {
	case watcher.Created:
		if _, known := r.store.IDByPath(e.Path); known {
			return r.modified(b, e.Path)
		}
		return r.created(b, e.Path)

	case watcher.Removed:
		id, known := r.store.IDByPath(e.Path)
		if !known {
			return nil
		}
		return r.removed(b, id)

	case watcher.Renamed, watcher.Moved:
		id, known := r.store.IDByPath(e.From)
		if !known {
			if _, done := r.store.IDByPath(e.Path); done {
				// already applied by a command
				return r.modified(b, e.Path)
			}
			return r.created(b, e.Path)
		}
		return r.moved(b, id, e.Path)

	case watcher.DataModified:
		return r.modified(b, e.Path)
	}
	return nil
}

// created handles a path that appeared on disk.
func (r *Reconciler) created(b *batch, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	parentID, scanRoot, ok := r.anchor(path)
	if !ok {
		return nil
	}
	if info.IsDir() || scanRoot != path {
		return r.insertFolder(b, parentID, scanRoot)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	asset := resource.NewAsset(filepath.Base(path))
	if err := r.store.AddAsset(parentID, asset); err != nil {
		return err
	}
	pid, _ := r.store.ProjectOf(parentID)
	b.emit(pid, protocol.AssetCreated, protocol.AssetCreatedData{Container: parentID, Asset: asset})
	return r.saveAssets(parentID)
}

// anchor finds the nearest indexed container above path. scanRoot is the topmost
// unindexed folder between that container and path, or path itself.
func (r *Reconciler) anchor(path string) (parent resource.ID, scanRoot string, ok bool) {
	scanRoot = path
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if id, known := r.store.IDByPath(dir); known {
			kind, err := r.store.Kind(id)
			if err != nil || kind != resource.KindContainer {
				return resource.Nil, "", false
			}
			return id, scanRoot, true
		}
		if next := filepath.Dir(dir); next == dir {
			return resource.Nil, "", false
		}
		scanRoot = dir
	}
}

func (r *Reconciler) insertFolder(b *batch, parentID resource.ID, dir string) error {
	sub, err := r.local.LoadTree(dir, r.store.Has)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", dir, err)
	}
	snapshot := sub.Clone()
	if err := r.store.InsertSubgraph(parentID, sub); err != nil {
		return err
	}
	pid, _ := r.store.ProjectOf(parentID)
	b.emit(pid, protocol.GraphCreated, protocol.GraphCreatedData{Parent: parentID, Graph: snapshot})
	return nil
}

// removed handles a known resource that disappeared from disk.
func (r *Reconciler) removed(b *batch, id resource.ID) error {
	kind, err := r.store.Kind(id)
	if err != nil {
		return err
	}
	pid, err := r.store.ProjectOf(id)
	if err != nil {
		return err
	}

	if kind == resource.KindAsset {
		a, err := r.store.RemoveAsset(id)
		if err != nil {
			return err
		}
		b.emit(pid, protocol.AssetRemoved, protocol.AssetRemovedData{Asset: id, Container: a.Container})
		return r.saveAssets(a.Container)
	}

	c, err := r.store.Container(id)
	if err != nil {
		return err
	}
	if c.IsRoot() {
		project, err := r.store.Project(pid)
		if err != nil {
			return err
		}
		if _, err := r.store.RemoveProject(pid); err != nil {
			return err
		}
		b.removed = append(b.removed, project)
		b.emit(pid, protocol.ProjectRemoved, protocol.ProjectRemovedData{Project: pid, Path: project.Path})
		return nil
	}

	sub, err := r.store.RemoveSubgraph(id)
	if err != nil {
		return err
	}
	b.emit(pid, protocol.GraphRemoved, protocol.GraphRemovedData{Root: id, Graph: sub})
	return nil
}

// moved handles a known resource whose path changed to to.
func (r *Reconciler) moved(b *batch, id resource.ID, to string) error {
	kind, err := r.store.Kind(id)
	if err != nil {
		return err
	}
	pid, _ := r.store.ProjectOf(id)
	from, err := r.store.Path(id)
	if err != nil {
		return err
	}
	oldParent, err := r.store.Parent(id)
	if err != nil {
		return err
	}
	if oldParent == nil {
		return fmt.Errorf("cannot move project root %s: %w", id, graph.ErrInvalidTransition)
	}

	// a rename onto a tracked path replaced whatever was there
	if occupant, taken := r.store.IDByPath(to); taken && occupant != id {
		if err := r.removed(b, occupant); err != nil {
			return err
		}
		if !r.store.Has(id) {
			return r.created(b, to)
		}
	}

	newParentID, known := r.store.IDByPath(filepath.Dir(to))
	sameProject := false
	if known {
		if other, err := r.store.ProjectOf(newParentID); err == nil && other == pid {
			sameProject = true
		}
	}
	if !sameProject {
		// leaving the project, or landing in a folder that is not a container
		if err := r.removed(b, id); err != nil {
			return err
		}
		return r.created(b, to)
	}

	if err := r.store.MovePath(id, to); err != nil {
		return err
	}

	if kind == resource.KindAsset {
		a, err := r.store.Asset(id)
		if err != nil {
			return err
		}
		if a.Container == oldParent.ID {
			b.emit(pid, protocol.AssetPathChanged, protocol.AssetPathChangedData{Asset: id, Path: filepath.ToSlash(a.Path)})
			return r.saveAssets(a.Container)
		}
		b.emit(pid, protocol.AssetMoved, protocol.AssetMovedData{Asset: id, Container: a.Container, Path: filepath.ToSlash(a.Path)})
		if err := r.saveAssets(oldParent.ID); err != nil {
			return err
		}
		return r.saveAssets(a.Container)
	}

	c, err := r.store.Container(id)
	if err != nil {
		return err
	}
	if c.Parent != oldParent.ID {
		b.emit(pid, protocol.GraphMoved, protocol.GraphMovedData{Root: id, Parent: c.Parent, Name: filepath.Base(to)})
	}
	if filepath.Base(to) != filepath.Base(from) {
		b.emit(pid, protocol.ContainerProperties, protocol.ContainerPropertiesData{Container: id, Properties: c.Properties})
	}
	return r.local.SaveContainer(to, c)
}

// modified handles content changes. For containers the properties file is re-read;
// a folder replaced in place keeps its id.
func (r *Reconciler) modified(b *batch, path string) error {
	id, known := r.store.IDByPath(path)
	if !known {
		return r.created(b, path)
	}
	kind, err := r.store.Kind(id)
	if err != nil {
		return err
	}
	if kind == resource.KindContainer {
		return r.resync(b, id, path)
	}
	return nil
}

// resync brings the subtree of a container that was replaced in place back in line
// with the disk. Identities are kept for everything that is still present.
func (r *Reconciler) resync(b *batch, id resource.ID, dir string) error {
	if err := r.containerFileChanged(b, id, dir); err != nil {
		return err
	}

	assets, err := r.store.Assets(id)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if _, err := os.Stat(filepath.Join(dir, a.Path)); errors.Is(err, fs.ErrNotExist) {
			if err := r.removed(b, a.ID); err != nil {
				return err
			}
		}
	}

	children, err := r.store.Children(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		path, err := r.store.Path(child.ID)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			err = r.removed(b, child.ID)
		} else {
			err = r.resync(b, child.ID, path)
		}
		if err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read folder %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if pathutil.IsHidden(path) {
			continue
		}
		if _, known := r.store.IDByPath(path); !known {
			if err := r.created(b, path); err != nil {
				return err
			}
		}
	}

	if _, err := os.Stat(local.ReservedPath(dir, local.AssetsFile)); errors.Is(err, fs.ErrNotExist) {
		return r.saveAssets(id)
	}
	return nil
}

// reservedChanged handles an event on a container or asset manifest.
func (r *Reconciler) reservedChanged(b *batch, e watcher.Event) error {
	dir := filepath.Dir(filepath.Dir(e.Path))
	id, known := r.store.IDByPath(dir)
	if !known {
		return nil
	}
	if kind, err := r.store.Kind(id); err != nil || kind != resource.KindContainer {
		return err
	}

	if e.Kind == watcher.Removed {
		// the store remains authoritative; restore the file
		if _, err := os.Stat(dir); err != nil {
			return nil
		}
		if filepath.Base(e.Path) == local.AssetsFile {
			return r.saveAssets(id)
		}
		c, err := r.store.Container(id)
		if err != nil {
			return err
		}
		return r.local.SaveContainer(dir, c)
	}

	if filepath.Base(e.Path) == local.AssetsFile {
		return r.assetsFileChanged(b, id, dir)
	}
	return r.containerFileChanged(b, id, dir)
}

func (r *Reconciler) containerFileChanged(b *batch, id resource.ID, dir string) error {
	pid, _ := r.store.ProjectOf(id)
	current, err := r.store.Container(id)
	if err != nil {
		return err
	}

	loaded, _, err := r.local.LoadContainer(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r.local.SaveContainer(dir, current)
		}
		return err
	}
	if loaded.ID != id {
		b.emit(pid, protocol.AnalysisFlag, protocol.AnalysisFlagData{
			Resource: id,
			Message:  fmt.Sprintf("container file in %s names %s; keeping %s", dir, loaded.ID, id),
		})
		return r.local.SaveContainer(dir, current)
	}

	changed, err := r.store.UpdateProperties(id, loaded.Properties)
	if err != nil {
		return err
	}
	if changed {
		b.emit(pid, protocol.ContainerProperties, protocol.ContainerPropertiesData{Container: id, Properties: loaded.Properties})
	}

	if !slices.Equal(current.Analyses, loaded.Analyses) {
		if err := r.store.SetAnalyses(id, loaded.Analyses); err != nil {
			return err
		}
		b.emit(pid, protocol.ContainerAnalyses, protocol.ContainerAnalysesData{Container: id, Analyses: loaded.Analyses})
	}
	return nil
}

func (r *Reconciler) assetsFileChanged(b *batch, container resource.ID, dir string) error {
	pid, _ := r.store.ProjectOf(container)
	loaded, err := r.local.LoadAssets(dir)
	if err != nil {
		return err
	}
	onDisk := make(map[resource.ID]*resource.Asset, len(loaded))
	for _, a := range loaded {
		onDisk[a.ID] = a
	}

	current, err := r.store.Assets(container)
	if err != nil {
		return err
	}
	stale := len(loaded) != len(current)
	for _, a := range current {
		disk, ok := onDisk[a.ID]
		if !ok || filepath.Clean(disk.Path) != filepath.Clean(a.Path) {
			// files are authoritative for membership
			stale = true
			continue
		}
		changed, err := r.store.UpdateProperties(a.ID, disk.Properties)
		if err != nil {
			return err
		}
		if changed {
			b.emit(pid, protocol.AssetProperties, protocol.AssetPropertiesData{Asset: a.ID, Properties: disk.Properties})
		}
	}
	if stale {
		return r.saveAssets(container)
	}
	return nil
}

// manifestChanged diffs a manifest against its last known content.
func (r *Reconciler) manifestChanged(b *batch, path string) error {
	entries, err := local.ReadManifest(path)
	if err != nil {
		return err
	}
	previous := r.manifests[path]
	r.manifests[path] = entries

	data := protocol.ManifestData{Added: []string{}, Removed: []string{}}
	for _, e := range entries {
		if !slices.Contains(previous, e) {
			data.Added = append(data.Added, e)
		}
	}
	for _, e := range previous {
		if !slices.Contains(entries, e) {
			data.Removed = append(data.Removed, e)
		}
	}
	if len(data.Added) == 0 && len(data.Removed) == 0 {
		return nil
	}

	kind := protocol.AppUserManifest
	if path == r.config.ProjectManifest {
		kind = protocol.AppProjectManifest
	}
	b.emit(resource.Nil, kind, data)
	return nil
}

// Manifest returns the last known content of a watched manifest.
func (r *Reconciler) Manifest(path string) []string {
	return slices.Clone(r.manifests[path])
}

// NoteManifest records content the daemon itself wrote, so that the resulting
// file event does not produce a duplicate update.
func (r *Reconciler) NoteManifest(path string, entries []string) {
	if r.isManifest(path) {
		r.manifests[path] = slices.Clone(entries)
	}
}

func (r *Reconciler) saveAssets(container resource.ID) error {
	dir, err := r.store.Path(container)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	assets, err := r.store.Assets(container)
	if err != nil {
		return err
	}
	return r.local.SaveAssets(dir, assets)
}
