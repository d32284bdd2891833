package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/store"
)

// call is one command being executed on the main loop.
type call struct {
	req     protocol.Request
	cause   resource.ID
	updates []protocol.Update
}

func (c *call) emit(project resource.ID, kind protocol.UpdateKind, data any) error {
	u, err := protocol.NewUpdate(project, c.cause, kind, data)
	if err != nil {
		return err
	}
	c.updates = append(c.updates, u)
	return nil
}

type handler func(c *call) (any, error)

func (s *Server) routes() map[string]handler {
	return map[string]handler{
		protocol.CmdGet:                  s.get,
		protocol.CmdGetMany:              s.getMany,
		protocol.CmdGetByPath:            s.getByPath,
		protocol.CmdPath:                 s.path,
		protocol.CmdParent:               s.parent,
		protocol.CmdChildren:             s.children,
		protocol.CmdUpdateProperties:     s.updateProperties,
		protocol.CmdBulkUpdateProperties: s.bulkUpdateProperties,
		protocol.CmdFind:                 s.find,
		protocol.CmdAddAssets:            s.addAssets,
		protocol.CmdNewChild:             s.newChild,
		protocol.CmdRemove:               s.remove,
		protocol.CmdUpdateAnalyses:       s.updateAnalyses,
		protocol.CmdLoadProject:          s.loadProject,
		protocol.CmdUnloadProject:        s.unloadProject,
		protocol.CmdListProjects:         s.listProjects,
		protocol.CmdGraph:                s.graph,
		protocol.CmdUpdatesSince:         s.updatesSince,
	}
}

// dispatch runs one command. Updates emitted before a failure are still published:
// they describe changes that were already made.
func (s *Server) dispatch(req protocol.Request) protocol.Reply {
	h, ok := s.handlers[req.Cmd]
	if !ok {
		return protocol.ErrorReply(req.ID, protocol.Transportf("unknown command %q", req.Cmd))
	}

	cause, err := uuid.NewV7()
	if err != nil {
		return protocol.ErrorReply(req.ID, err)
	}
	c := &call{req: req, cause: cause}

	value, err := s.safeCall(h, c)
	s.publish(c.updates)
	if err != nil {
		if errors.Is(err, store.ErrInconsistentState) {
			s.logger.Printf("ERROR: %s %s: %v", req.Cmd, req.ID, err)
		}
		return protocol.ErrorReply(req.ID, err)
	}
	return protocol.OKReply(req.ID, value)
}

func (s *Server) safeCall(h handler, c *call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v: %w", c.req.Cmd, r, store.ErrInconsistentState)
		}
	}()
	return h(c)
}

func (s *Server) wrap(r resource.Resource) (protocol.Resource, error) {
	path, err := s.store.Path(r.ResourceID())
	if err != nil {
		return protocol.Resource{}, err
	}
	return protocol.WrapResource(r, path), nil
}

func (s *Server) get(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	r, err := s.store.Get(args.ID)
	if err != nil {
		return nil, err
	}
	return s.wrap(r)
}

// getMany returns one entry per id, null for ids that are not found.
func (s *Server) getMany(c *call) (any, error) {
	var args protocol.IDsArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	out := make([]*protocol.Resource, len(args.IDs))
	for i, id := range args.IDs {
		r, err := s.store.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		w, err := s.wrap(r)
		if err != nil {
			return nil, err
		}
		out[i] = &w
	}
	return out, nil
}

func (s *Server) getByPath(c *call) (any, error) {
	var args protocol.PathArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	path, err := pathutil.Canonical(args.Path)
	if err != nil {
		return nil, err
	}
	r, err := s.store.GetByPath(path)
	if err != nil {
		return nil, err
	}
	return protocol.WrapResource(r, path), nil
}

func (s *Server) path(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	return s.store.Path(args.ID)
}

// parent replies null for a project root.
func (s *Server) parent(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	p, err := s.store.Parent(args.ID)
	if err != nil || p == nil {
		return nil, err
	}
	return s.wrap(p)
}

func (s *Server) children(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	kids, err := s.store.Children(args.ID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Resource, 0, len(kids))
	for _, k := range kids {
		w, err := s.wrap(k)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// updateProperties persists new properties. Renaming a container that is not a
// project root also renames its folder.
func (s *Server) updateProperties(c *call) (any, error) {
	var args protocol.UpdatePropertiesArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	r, err := s.store.Get(args.ID)
	if err != nil {
		return nil, err
	}
	pid, err := s.store.ProjectOf(args.ID)
	if err != nil {
		return nil, err
	}

	switch v := r.(type) {
	case *resource.Container:
		renamed := args.Properties.Name != v.Properties.Name && !v.IsRoot()
		if renamed {
			if err := s.renameContainer(v.ID, args.Properties.Name); err != nil {
				return nil, err
			}
		}
		undo := func() {
			if renamed {
				if err := s.renameContainer(v.ID, v.Properties.Name); err != nil {
					s.logger.Printf("ERROR: failed to rename %s back to %q: %v", v.ID, v.Properties.Name, err)
				}
			}
			if _, err := s.store.UpdateProperties(v.ID, v.Properties); err != nil {
				s.logger.Printf("ERROR: failed to restore properties of %s: %v", v.ID, err)
			}
		}
		changed, err := s.store.UpdateProperties(v.ID, args.Properties)
		if err != nil {
			undo()
			return nil, err
		}
		if err := s.saveContainer(v.ID); err != nil {
			undo()
			return nil, err
		}
		if changed || renamed {
			if err := c.emit(pid, protocol.ContainerProperties, protocol.ContainerPropertiesData{
				Container: v.ID, Properties: args.Properties,
			}); err != nil {
				return nil, err
			}
		}

	case *resource.Asset:
		changed, err := s.store.UpdateProperties(v.ID, args.Properties)
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
		if err := s.saveAssets(v.Container); err != nil {
			_, _ = s.store.UpdateProperties(v.ID, v.Properties)
			return nil, err
		}
		if err := c.emit(pid, protocol.AssetProperties, protocol.AssetPropertiesData{
			Asset: v.ID, Properties: args.Properties,
		}); err != nil {
			return nil, err
		}
	}

	r, err = s.store.Get(args.ID)
	if err != nil {
		return nil, err
	}
	return s.wrap(r)
}

func (s *Server) renameContainer(id resource.ID, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	from, err := s.store.Path(id)
	if err != nil {
		return err
	}
	to := filepath.Join(filepath.Dir(from), name)
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("folder %s: %w", to, store.ErrAlreadyExists)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s: %w", from, err)
	}
	if err := s.store.MovePath(id, to); err != nil {
		if rerr := os.Rename(to, from); rerr != nil {
			s.logger.Printf("ERROR: failed to restore %s after %v: %v", from, err, rerr)
		}
		return err
	}
	return nil
}

// validName accepts names usable as a single folder name.
func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid name %q: %w", name, store.ErrInvalidTransition)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("name %q contains a path separator: %w", name, store.ErrInvalidTransition)
	case pathutil.IsHidden(name), name == pathutil.ReservedDir:
		return fmt.Errorf("name %q would be hidden: %w", name, store.ErrInvalidTransition)
	}
	return nil
}

// bulkUpdateProperties applies one update to many resources. Name changes are only
// accepted for assets; renaming several folders to one name cannot succeed.
func (s *Server) bulkUpdateProperties(c *call) (any, error) {
	var args protocol.BulkUpdatePropertiesArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Update.Name != nil {
		for _, id := range args.IDs {
			if k, err := s.store.Kind(id); err == nil && k == resource.KindContainer {
				return nil, fmt.Errorf("cannot bulk rename container %s: %w", id, store.ErrInvalidTransition)
			}
		}
	}

	res, err := s.store.BulkUpdateProperties(args.IDs, args.Update)
	if err != nil {
		return nil, err
	}
	out := protocol.BulkUpdateResult{Updated: []resource.ID{}, NotFound: res.NotFound}
	fail := func(id resource.ID, err error) {
		if out.Failed == nil {
			out.Failed = make(map[string]*protocol.Error)
		}
		out.Failed[id.String()] = protocol.FromError(err)
	}

	// assets are persisted once per container
	byContainer := make(map[resource.ID][]resource.ID)
	var order []resource.ID
	for _, id := range res.Updated {
		r, err := s.store.Get(id)
		if err != nil {
			fail(id, err)
			continue
		}
		switch v := r.(type) {
		case *resource.Container:
			if err := s.saveContainer(id); err != nil {
				fail(id, err)
				continue
			}
			out.Updated = append(out.Updated, id)
		case *resource.Asset:
			if _, seen := byContainer[v.Container]; !seen {
				order = append(order, v.Container)
			}
			byContainer[v.Container] = append(byContainer[v.Container], id)
		}
	}
	for _, container := range order {
		if err := s.saveAssets(container); err != nil {
			for _, id := range byContainer[container] {
				fail(id, err)
			}
			continue
		}
		out.Updated = append(out.Updated, byContainer[container]...)
	}

	for _, id := range out.Updated {
		r, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		pid, err := s.store.ProjectOf(id)
		if err != nil {
			return nil, err
		}
		switch v := r.(type) {
		case *resource.Container:
			err = c.emit(pid, protocol.ContainerProperties, protocol.ContainerPropertiesData{Container: id, Properties: v.Properties})
		case *resource.Asset:
			err = c.emit(pid, protocol.AssetProperties, protocol.AssetPropertiesData{Asset: id, Properties: v.Properties})
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Server) find(c *call) (any, error) {
	var args protocol.FindArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	found, err := s.store.Find(args.Root, args.Filter)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Resource, 0, len(found))
	for _, r := range found {
		w, err := s.wrap(r)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// addAssets copies or moves files into a container folder. Names that collide
// with existing files get a " (n)" suffix. Each source fails on its own.
func (s *Server) addAssets(c *call) (any, error) {
	var args protocol.AddAssetsArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	container, err := s.store.Container(args.Container)
	if err != nil {
		return nil, err
	}
	dir, err := s.store.Path(container.ID)
	if err != nil {
		return nil, err
	}
	pid, err := s.store.ProjectOf(container.ID)
	if err != nil {
		return nil, err
	}

	out := protocol.AddAssetsResult{Added: []*resource.Asset{}}
	for _, src := range args.Assets {
		a, err := s.addAsset(container.ID, dir, src)
		if err != nil {
			if out.Failed == nil {
				out.Failed = make(map[string]*protocol.Error)
			}
			out.Failed[src.Path] = protocol.FromError(err)
			continue
		}
		out.Added = append(out.Added, a)
		if err := c.emit(pid, protocol.AssetCreated, protocol.AssetCreatedData{Container: container.ID, Asset: a}); err != nil {
			return nil, err
		}
	}

	if len(out.Added) > 0 {
		if err := s.saveAssets(container.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Server) addAsset(container resource.ID, dir string, src protocol.AssetSource) (*resource.Asset, error) {
	from, err := pathutil.Canonical(src.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(from)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", from, store.ErrInvalidTransition)
	}

	name := pathutil.UniqueFileName(dir, filepath.Base(from))
	to := filepath.Join(dir, name)
	switch src.Action {
	case protocol.ActionMove:
		err = moveFile(from, to, info.Mode())
	case protocol.ActionCopy, "":
		err = copyFile(from, to, info.Mode())
	default:
		err = fmt.Errorf("unknown action %q: %w", src.Action, protocol.ErrTransport)
	}
	if err != nil {
		return nil, err
	}

	a := resource.NewAsset(name)
	if err := s.store.AddAsset(container, a); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// moveFile renames, falling back to copy and remove across devices.
func moveFile(from, to string, mode fs.FileMode) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	if err := copyFile(from, to, mode); err != nil {
		return err
	}
	if err := os.Remove(from); err != nil {
		return fmt.Errorf("copied %s but failed to remove it: %w", from, err)
	}
	return nil
}

func copyFile(from, to string, mode fs.FileMode) error {
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", from, err)
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(to)
		return fmt.Errorf("failed to copy %s: %w", from, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(to)
		return fmt.Errorf("failed to write %s: %w", to, err)
	}
	return nil
}

// newChild creates a child container folder and initializes its reserved files.
func (s *Server) newChild(c *call) (any, error) {
	var args protocol.NewChildArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	if err := validName(args.Name); err != nil {
		return nil, err
	}
	if _, err := s.store.Container(args.Parent); err != nil {
		return nil, err
	}
	parentDir, err := s.store.Path(args.Parent)
	if err != nil {
		return nil, err
	}
	pid, err := s.store.ProjectOf(args.Parent)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(parentDir, args.Name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("folder %s: %w", dir, store.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	child := resource.NewContainer(args.Name)
	err = s.local.SaveContainer(dir, child)
	if err == nil {
		err = s.local.SaveAssets(dir, nil)
	}
	if err == nil {
		err = s.store.InsertSubgraph(args.Parent, graph.New(child.Clone(), args.Name))
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	created, err := s.store.Container(child.ID)
	if err != nil {
		return nil, err
	}
	snapshot := graph.New(created.Clone(), args.Name)
	if err := c.emit(pid, protocol.GraphCreated, protocol.GraphCreatedData{Parent: args.Parent, Graph: snapshot}); err != nil {
		return nil, err
	}
	return protocol.WrapResource(created, dir), nil
}

// remove deletes a container folder or asset file, then drops it from the store.
// Project roots are unloaded, never removed.
func (s *Server) remove(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	r, err := s.store.Get(args.ID)
	if err != nil {
		return nil, err
	}
	path, err := s.store.Path(args.ID)
	if err != nil {
		return nil, err
	}
	pid, err := s.store.ProjectOf(args.ID)
	if err != nil {
		return nil, err
	}

	switch v := r.(type) {
	case *resource.Container:
		if v.IsRoot() {
			return nil, fmt.Errorf("cannot remove project root %s: %w", v.ID, store.ErrInvalidTransition)
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		sub, err := s.store.RemoveSubgraph(v.ID)
		if err != nil {
			return nil, err
		}
		if err := c.emit(pid, protocol.GraphRemoved, protocol.GraphRemovedData{Root: v.ID, Graph: sub}); err != nil {
			return nil, err
		}

	case *resource.Asset:
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		if _, err := s.store.RemoveAsset(v.ID); err != nil {
			return nil, err
		}
		if err := c.emit(pid, protocol.AssetRemoved, protocol.AssetRemovedData{Asset: v.ID, Container: v.Container}); err != nil {
			return nil, err
		}
		if err := s.saveAssets(v.Container); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Server) updateAnalyses(c *call) (any, error) {
	var args protocol.UpdateAnalysesArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Analyses == nil {
		args.Analyses = []resource.AnalysisAssociation{}
	}
	prev, err := s.store.Container(args.ID)
	if err != nil {
		return nil, err
	}
	pid, err := s.store.ProjectOf(args.ID)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetAnalyses(args.ID, args.Analyses); err != nil {
		return nil, err
	}
	if err := s.saveContainer(args.ID); err != nil {
		_ = s.store.SetAnalyses(args.ID, prev.Analyses)
		return nil, err
	}
	if err := c.emit(pid, protocol.ContainerAnalyses, protocol.ContainerAnalysesData{Container: args.ID, Analyses: args.Analyses}); err != nil {
		return nil, err
	}
	return nil, nil
}

// loadProject opens the project at a path and lists it in the project manifest.
// Loading a project that is already open returns it unchanged.
func (s *Server) loadProject(c *call) (any, error) {
	var args protocol.PathArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	path, err := pathutil.Canonical(args.Path)
	if err != nil {
		return nil, err
	}
	for _, p := range s.store.Projects() {
		if p.Path == path {
			g, err := s.store.Graph(p.ID)
			if err != nil {
				return nil, err
			}
			return protocol.ProjectLoadedData{Project: p, Root: g.Root()}, nil
		}
	}

	p, root, err := s.openProject(path)
	if err != nil {
		return nil, err
	}
	loaded := protocol.ProjectLoadedData{Project: *p, Root: root}
	if err := c.emit(p.ID, protocol.ProjectLoaded, loaded); err != nil {
		return nil, err
	}
	s.logger.Printf("Loaded project %s (%s)", p.Name, p.Path)

	if s.config.ProjectManifest != "" {
		changed, err := local.AddToManifest(s.config.ProjectManifest, path)
		if err != nil {
			s.logger.Printf("Warning: failed to record %s in project manifest: %v", path, err)
		} else if changed {
			entries, _ := local.ReadManifest(s.config.ProjectManifest)
			s.reconciler.NoteManifest(s.config.ProjectManifest, entries)
			if err := c.emit(resource.Nil, protocol.AppProjectManifest, protocol.ManifestData{
				Added: []string{path}, Removed: []string{},
			}); err != nil {
				return nil, err
			}
		}
	}
	return loaded, nil
}

// unloadProject closes a project. The project manifest is left as is.
func (s *Server) unloadProject(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	p, err := s.store.Project(args.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.RemoveProject(p.ID); err != nil {
		return nil, err
	}
	s.unwatchProject(p)
	if err := c.emit(p.ID, protocol.ProjectRemoved, protocol.ProjectRemovedData{Project: p.ID, Path: p.Path}); err != nil {
		return nil, err
	}
	s.logger.Printf("Unloaded project %s", p.Name)
	return nil, nil
}

func (s *Server) listProjects(c *call) (any, error) {
	return s.store.Projects(), nil
}

func (s *Server) graph(c *call) (any, error) {
	var args protocol.IDArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	return s.store.Graph(args.ID)
}

func (s *Server) updatesSince(c *call) (any, error) {
	var args protocol.UpdatesSinceArgs
	if err := c.req.Bind(&args); err != nil {
		return nil, err
	}
	if s.journal == nil {
		return nil, fmt.Errorf("update journal is disabled: %w", store.ErrNotFound)
	}

	var (
		out []protocol.JournaledUpdate
		err error
	)
	ctx := context.Background()
	if args.Seq > 0 || args.Since.IsZero() {
		out, err = s.journal.Since(ctx, args.Seq, args.Project, args.Limit)
	} else {
		out, err = s.journal.SinceTime(ctx, args.Since, args.Project, args.Limit)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []protocol.JournaledUpdate{}
	}
	return out, nil
}

func (s *Server) saveContainer(id resource.ID) error {
	c, err := s.store.Container(id)
	if err != nil {
		return err
	}
	dir, err := s.store.Path(id)
	if err != nil {
		return err
	}
	return s.local.SaveContainer(dir, c)
}

func (s *Server) saveAssets(container resource.ID) error {
	dir, err := s.store.Path(container)
	if err != nil {
		return err
	}
	assets, err := s.store.Assets(container)
	if err != nil {
		return err
	}
	return s.local.SaveAssets(dir, assets)
}
