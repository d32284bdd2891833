// Package server runs the sync daemon.
//
// A single main loop owns every mutation: it applies watcher batches through the
// reconciler and executes client commands one at a time, so commands and file-system
// reconciliation never interleave. Updates produced by either are appended to the
// journal and handed to the publisher.
//
// Transport is websocket over HTTP:
//   - /command: one JSON request per frame, answered by one reply frame
//   - /updates?topic=<prefix>: publish frames, "topic\n{update}"
//   - /health: JSON status including the protocol version
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/projgraph/syncd/internal/journal"
	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/lockfile"
	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/publish"
	"github.com/projgraph/syncd/internal/reconcile"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/store"
	"github.com/projgraph/syncd/internal/watcher"
)

// ErrStopped is returned for commands sent to a server that is not running.
var ErrStopped = errors.New("server not running")

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:7447). Port 0 picks a free port.
	Addr string

	// DataDir holds the lock file and, unless JournalPath is set, the journal.
	DataDir string

	// ProjectManifest and UserManifest are JSON string arrays. Projects listed in
	// the project manifest are loaded at startup.
	ProjectManifest string
	UserManifest    string

	// JournalPath is the update journal database. Empty uses <DataDir>/journal.db;
	// "-" disables the journal.
	JournalPath string

	// JournalRetention prunes journaled updates older than this. Zero keeps everything.
	JournalRetention time.Duration

	// CommandQueue is the capacity of the command channel (default: 64).
	CommandQueue int

	// Validate checks the store after every reconciled batch.
	Validate bool

	Watcher   *watcher.Config
	Publisher *publish.Config

	// Logger for server activity; component loggers are derived from Loggers when set.
	Logger  *log.Logger
	Loggers func(component string) *log.Logger
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Addr:            "127.0.0.1:7447",
		DataDir:         dataDir,
		ProjectManifest: filepath.Join(dataDir, "projects.json"),
		UserManifest:    filepath.Join(dataDir, "users.json"),
		CommandQueue:    64,
		Validate:        true,
		Logger:          log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

func (c *Config) logger(component string) *log.Logger {
	if c.Loggers != nil {
		return c.Loggers(component)
	}
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

type command struct {
	req   protocol.Request
	reply chan protocol.Reply
}

// Server is the sync daemon.
type Server struct {
	config *Config
	logger *log.Logger

	store      *store.Store
	local      *local.Adapter
	watcher    *watcher.Watcher
	reconciler *reconcile.Reconciler
	publisher  *publish.Publisher
	journal    *journal.Journal
	lock       *lockfile.Lock

	commands chan command
	handlers map[string]handler

	listener net.Listener
	http     *http.Server

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a server. Nothing is opened until Start.
func New(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("server data directory is required")
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:7447"
	}
	if config.CommandQueue <= 0 {
		config.CommandQueue = 64
	}
	if config.Logger == nil {
		config.Logger = config.logger("server")
	}
	if config.Watcher == nil {
		config.Watcher = watcher.DefaultConfig()
		config.Watcher.Logger = config.logger("watcher")
	}
	if config.Publisher == nil {
		config.Publisher = publish.DefaultConfig()
		config.Publisher.Logger = config.logger("publish")
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		store:    store.New(),
		local:    local.NewAdapter(config.logger("local")),
		commands: make(chan command, config.CommandQueue),
	}
	s.handlers = s.routes()
	return s, nil
}

// Start acquires the data directory lock, opens the journal, loads the projects of
// the project manifest and begins serving.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	if err := os.MkdirAll(s.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	s.lock, err = lockfile.Acquire(filepath.Join(s.config.DataDir, "syncd.lock"))
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = s.lock.Release() })

	if path := s.journalPath(); path != "" {
		s.journal, err = journal.Open(path)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { _ = s.journal.Close(); s.journal = nil })
	}

	for _, path := range []string{s.config.ProjectManifest, s.config.UserManifest} {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			if err := local.WriteManifest(path, nil); err != nil {
				return err
			}
		}
	}

	s.reconciler = reconcile.New(s.store, s.local, &reconcile.Config{
		ProjectManifest: s.config.ProjectManifest,
		UserManifest:    s.config.UserManifest,
		Validate:        s.config.Validate,
		Logger:          s.config.logger("reconcile"),
	})

	s.watcher, err = watcher.New(s.config.Watcher)
	if err != nil {
		return err
	}
	if err := s.watcher.Start(); err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = s.watcher.Stop() })

	s.publisher = publish.New(s.config.Publisher)
	if err := s.publisher.Start(); err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = s.publisher.Stop() })

	for _, path := range []string{s.config.ProjectManifest, s.config.UserManifest} {
		if path == "" {
			continue
		}
		if err := s.watcher.Watch(path); err != nil {
			s.logger.Printf("Warning: failed to watch manifest %s: %v", path, err)
		}
	}
	s.loadManifestProjects()

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.Handle("/updates", s.publisher)
	mux.HandleFunc("/health", s.handleHealth)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.done = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.run(s.done)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) journalPath() string {
	switch s.config.JournalPath {
	case "-":
		return ""
	case "":
		return filepath.Join(s.config.DataDir, "journal.db")
	default:
		return s.config.JournalPath
	}
}

// Stop shuts the server down and waits for its loops to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Println("Stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	close(s.done)
	s.wg.Wait()

	if err := s.watcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.publisher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Println("Server stopped")
	return errors.Join(errs...)
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Store returns the object store. Callers must not mutate it while the server runs.
func (s *Server) Store() *store.Store {
	return s.store
}

// Publisher returns the publisher, for in-process subscriptions.
func (s *Server) Publisher() *publish.Publisher {
	return s.publisher
}

// Do executes a command on the main loop and waits for its reply.
func (s *Server) Do(ctx context.Context, req protocol.Request) protocol.Reply {
	s.mu.Lock()
	running, done := s.running, s.done
	s.mu.Unlock()
	if !running {
		return protocol.ErrorReply(req.ID, ErrStopped)
	}

	cmd := command{req: req, reply: make(chan protocol.Reply, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return protocol.ErrorReply(req.ID, protocol.Transportf("command not queued: %v", ctx.Err()))
	case <-done:
		return protocol.ErrorReply(req.ID, ErrStopped)
	}

	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return protocol.ErrorReply(req.ID, protocol.Transportf("no reply: %v", ctx.Err()))
	case <-done:
		return protocol.ErrorReply(req.ID, ErrStopped)
	}
}

// run is the main loop.
func (s *Server) run(done <-chan struct{}) {
	defer s.wg.Done()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	batches := s.watcher.Batches()
	errs := s.watcher.Errors()

	for {
		select {
		case <-done:
			return

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			s.applyBatch(batch)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Printf("Watcher error: %v", err)

		case cmd := <-s.commands:
			cmd.reply <- s.dispatch(cmd.req)

		case <-prune.C:
			s.pruneJournal()
		}
	}
}

func (s *Server) applyBatch(batch []watcher.Event) {
	res := s.reconciler.Apply(batch)
	for _, p := range res.RemovedProjects {
		s.unwatchProject(p)
		s.logger.Printf("Project %s removed: folder or data root is gone", p.Name)
	}
	for _, m := range res.MovedProjects {
		old := m.Project
		old.Path = m.From
		s.unwatchProject(old)
		if err := s.watchProject(&m.Project); err != nil {
			s.logger.Printf("ERROR: project %s moved to %s but is no longer watched: %v", m.Project.Name, m.Project.Path, err)
			continue
		}
		s.logger.Printf("Project %s moved to %s", m.Project.Name, m.Project.Path)
	}
	s.publish(res.Updates)
}

// publish journals updates, then hands them to the publisher.
func (s *Server) publish(updates []protocol.Update) {
	if len(updates) == 0 {
		return
	}
	if s.journal != nil {
		if _, err := s.journal.Append(context.Background(), updates...); err != nil {
			s.logger.Printf("Warning: failed to journal %d updates: %v", len(updates), err)
		}
	}
	for _, u := range updates {
		s.publisher.Publish(u)
	}
}

func (s *Server) pruneJournal() {
	if s.journal == nil || s.config.JournalRetention <= 0 {
		return
	}
	n, err := s.journal.Prune(context.Background(), time.Now().Add(-s.config.JournalRetention))
	if err != nil {
		s.logger.Printf("Warning: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("Pruned %d journaled updates", n)
	}
}

// loadManifestProjects loads every project listed in the project manifest.
// Failures are logged; a broken project does not keep the others from loading.
func (s *Server) loadManifestProjects() {
	if s.config.ProjectManifest == "" {
		return
	}
	paths, err := local.ReadManifest(s.config.ProjectManifest)
	if err != nil {
		s.logger.Printf("Warning: failed to read project manifest: %v", err)
		return
	}
	for _, path := range paths {
		p, root, err := s.openProject(path)
		if err != nil {
			s.logger.Printf("Warning: failed to load project %s: %v", path, err)
			continue
		}
		s.logger.Printf("Loaded project %s (%s)", p.Name, root)
	}
}

// openProject loads the project at dir into the store and watches it.
func (s *Server) openProject(dir string) (*resource.Project, resource.ID, error) {
	canonical, err := pathutil.Canonical(dir)
	if err != nil {
		return nil, resource.Nil, err
	}
	p, err := s.local.LoadProject(canonical)
	if err != nil {
		return nil, resource.Nil, err
	}
	if existing, err := s.store.Project(p.ID); err == nil {
		return nil, resource.Nil, fmt.Errorf("project %s already loaded from %s: %w", p.ID, existing.Path, store.ErrAlreadyExists)
	}
	if err := local.EnsureDataRoot(p); err != nil {
		return nil, resource.Nil, err
	}

	data := local.DataRootPath(p)
	g, err := s.local.LoadTree(data, s.store.Has)
	if err != nil {
		return nil, resource.Nil, err
	}
	if err := s.store.InsertProject(*p, g); err != nil {
		return nil, resource.Nil, err
	}
	if err := s.watchProject(p); err != nil {
		_, _ = s.store.RemoveProject(p.ID)
		return nil, resource.Nil, err
	}
	return p, g.Root(), nil
}

// watchProject watches the data root, the project file and the project folder
// entry of p. On failure nothing of p stays watched.
func (s *Server) watchProject(p *resource.Project) error {
	data := local.DataRootPath(p)
	if err := s.watcher.Watch(data); err != nil {
		return fmt.Errorf("failed to watch %s: %w", data, err)
	}
	file := local.ReservedPath(p.Path, local.ProjectFile)
	if err := s.watcher.Watch(file); err != nil {
		s.unwatchProject(*p)
		return fmt.Errorf("failed to watch %s: %w", file, err)
	}
	if err := s.watcher.WatchEntry(p.Path); err != nil {
		s.unwatchProject(*p)
		return fmt.Errorf("failed to watch %s: %w", p.Path, err)
	}
	return nil
}

func (s *Server) unwatchProject(p resource.Project) {
	for _, path := range []string{local.DataRootPath(&p), local.ReservedPath(p.Path, local.ProjectFile), p.Path} {
		if err := s.watcher.Unwatch(path); err != nil {
			s.logger.Printf("Warning: failed to unwatch %s: %v", path, err)
		}
	}
}

// handleCommand serves the command websocket. Requests on one connection are
// answered in order.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var reply protocol.Reply
		if typ != websocket.MessageText {
			reply = protocol.ErrorReply("", protocol.Transportf("binary frames are not supported"))
		} else if req, err := protocol.DecodeRequest(frame); err != nil {
			reply = protocol.ErrorReply(req.ID, err)
		} else {
			reply = s.Do(ctx, req)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Printf("Failed to marshal reply: %v", err)
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Printf("Failed to send reply: %v", err)
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	projects, _, _ := s.store.Counts()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.Health{
		Status:      "ok",
		Version:     protocol.Version,
		Projects:    projects,
		Subscribers: s.publisher.SubscriberCount(),
	})
}
