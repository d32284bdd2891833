// Package watcher provides the debounced file-system watcher.
//
// A single goroutine owns the fsnotify handle, the set of watched roots and the
// pending events of the current debounce window. Watch and Unwatch are commands
// sent to that goroutine; event batches come out of Batches.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/projgraph/syncd/internal/pathutil"
)

// ErrNotRunning is returned by commands sent to a stopped watcher.
var ErrNotRunning = errors.New("watcher not running")

// Config holds configuration for the watcher.
type Config struct {
	// Debounce is how long a path must be quiet before its events are flushed.
	Debounce time.Duration

	// GraceInterval is how often a vanished root is checked for reappearance.
	GraceInterval time.Duration

	// GraceRetries is how many checks a vanished root gets before it is reported removed.
	GraceRetries int

	// BatchBuffer is the capacity of the batch channel.
	BatchBuffer int

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:      100 * time.Millisecond,
		GraceInterval: 500 * time.Millisecond,
		GraceRetries:  4,
		BatchBuffer:   16,
		Logger:        log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

type commandOp int

const (
	opWatch commandOp = iota
	opWatchEntry
	opUnwatch
	opRoots
)

type command struct {
	op    commandOp
	path  string
	reply chan reply
}

type reply struct {
	err   error
	roots []string
}

// root is a watched path. isDir roots are watched recursively; other roots,
// files and entries, are watched through their parent folder.
type root struct {
	isDir bool

	// entry roots report changes to the folder entry itself, not its content.
	entry  bool
	folder bool
}

type grace struct {
	next    time.Time
	retries int
}

// Watcher coalesces raw file-system events into batches of logical events.
type Watcher struct {
	config *Config
	fs     *fsnotify.Watcher

	cmds    chan command
	batches chan []Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// owned by the loop goroutine
	roots   map[string]root
	dirs    map[string]bool
	pending map[string]*pathState
	order   []string
	lastRaw time.Time
	graces  map[string]*grace
	outbox  [][]Event
}

// New creates a watcher. It must be started with Start before it accepts commands.
func New(config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.GraceInterval <= 0 {
		config.GraceInterval = DefaultConfig().GraceInterval
	}
	if config.BatchBuffer <= 0 {
		config.BatchBuffer = DefaultConfig().BatchBuffer
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:  config,
		fs:      fsw,
		cmds:    make(chan command),
		batches: make(chan []Event, config.BatchBuffer),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		roots:   make(map[string]root),
		dirs:    make(map[string]bool),
		pending: make(map[string]*pathState),
		graces:  make(map[string]*grace),
	}, nil
}

// Start launches the event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the loop down and closes the Batches and Errors channels.
// Stopping a watcher that is not running is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()

	close(w.batches)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Batches returns the channel of event batches.
func (w *Watcher) Batches() <-chan []Event {
	return w.batches
}

// Errors returns the channel of watcher errors. Errors are dropped when it is full.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) send(cmd command) reply {
	cmd.reply = make(chan reply, 1)
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return reply{err: ErrNotRunning}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-w.done:
		return reply{err: ErrNotRunning}
	}
}

// Watch starts watching path. Folders are watched recursively; files are watched
// through their parent folder. Watching a path twice is a no-op.
func (w *Watcher) Watch(path string) error {
	if !w.IsRunning() {
		return ErrNotRunning
	}
	return w.send(command{op: opWatch, path: path}).err
}

// WatchEntry watches the entry at path in its parent folder without watching
// its content. A rename of the entry within the parent folder is reported as
// Renamed; a removal or a move elsewhere as Removed.
func (w *Watcher) WatchEntry(path string) error {
	if !w.IsRunning() {
		return ErrNotRunning
	}
	return w.send(command{op: opWatchEntry, path: path}).err
}

// Unwatch stops watching path. Unwatching a path that is not watched is a no-op.
func (w *Watcher) Unwatch(path string) error {
	if !w.IsRunning() {
		return ErrNotRunning
	}
	return w.send(command{op: opUnwatch, path: path}).err
}

// Roots returns the watched roots.
func (w *Watcher) Roots() ([]string, error) {
	if !w.IsRunning() {
		return nil, ErrNotRunning
	}
	r := w.send(command{op: opRoots})
	return r.roots, r.err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		var (
			out  chan<- []Event
			next []Event
		)
		if len(w.outbox) > 0 {
			out = w.batches
			next = w.outbox[0]
		}

		select {
		case <-w.done:
			return

		case out <- next:
			w.outbox = w.outbox[1:]

		case cmd := <-w.cmds:
			cmd.reply <- w.handle(cmd)

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.record(event, time.Now())

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
			select {
			case w.errors <- err:
			default:
			}

		case now := <-ticker.C:
			w.checkGraces(now)
			if len(w.order) > 0 && now.Sub(w.lastRaw) >= w.config.Debounce {
				w.flush()
			}
		}
	}
}

func (w *Watcher) handle(cmd command) reply {
	switch cmd.op {
	case opWatch:
		return reply{err: w.watch(cmd.path, false)}
	case opWatchEntry:
		return reply{err: w.watch(cmd.path, true)}
	case opUnwatch:
		return reply{err: w.unwatch(cmd.path)}
	case opRoots:
		roots := make([]string, 0, len(w.roots))
		for p := range w.roots {
			roots = append(roots, p)
		}
		return reply{roots: roots}
	default:
		return reply{err: fmt.Errorf("unknown watcher command %d", cmd.op)}
	}
}

func (w *Watcher) watch(path string, entry bool) error {
	canonical, err := pathutil.Canonical(path)
	if err != nil {
		return err
	}
	if _, ok := w.roots[canonical]; ok {
		return nil
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", canonical, err)
	}

	if entry {
		if err := w.addDir(filepath.Dir(canonical)); err != nil {
			return err
		}
		w.roots[canonical] = root{entry: true, folder: info.IsDir()}
		w.config.Logger.Printf("Watching entry: %s", canonical)
		return nil
	}

	if info.IsDir() {
		if err := w.addTree(canonical); err != nil {
			return err
		}
	} else if err := w.addDir(filepath.Dir(canonical)); err != nil {
		return err
	}

	w.roots[canonical] = root{isDir: info.IsDir()}
	w.config.Logger.Printf("Watching: %s", canonical)
	return nil
}

func (w *Watcher) unwatch(path string) error {
	canonical, err := pathutil.Canonical(path)
	if err != nil {
		return nil
	}
	r, ok := w.roots[canonical]
	if !ok {
		return nil
	}
	delete(w.roots, canonical)
	delete(w.graces, canonical)

	scope := canonical
	if !r.isDir {
		scope = filepath.Dir(canonical)
	}
	for dir := range w.dirs {
		if (dir == scope || (r.isDir && pathutil.IsWithin(scope, dir))) && !w.needed(dir) {
			w.removeDir(dir)
		}
	}
	for p := range w.pending {
		if !w.tracked(p) {
			w.drop(p)
		}
	}

	w.config.Logger.Printf("Unwatched: %s", canonical)
	return nil
}

// needed reports whether a folder must stay watched for some remaining root.
func (w *Watcher) needed(dir string) bool {
	for p, r := range w.roots {
		if r.isDir && pathutil.IsWithin(p, dir) {
			return true
		}
		if !r.isDir && filepath.Dir(p) == dir {
			return true
		}
	}
	return false
}

// tracked reports whether events for path belong to a root.
func (w *Watcher) tracked(path string) bool {
	for p, r := range w.roots {
		if r.isDir && pathutil.IsWithin(p, path) {
			return true
		}
		if !r.isDir && p == path {
			return true
		}
	}
	return false
}

// besideEntry reports whether path is a sibling of an entry root. Creations of
// siblings are recorded so that renames of the entry can be paired.
func (w *Watcher) besideEntry(path string) bool {
	for p, r := range w.roots {
		if r.entry && filepath.Dir(p) == filepath.Dir(path) {
			return true
		}
	}
	return false
}

func (w *Watcher) isEntryRoot(path string) bool {
	r, ok := w.roots[path]
	return ok && r.entry
}

func (w *Watcher) addDir(dir string) error {
	if w.dirs[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch folder %s: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

func (w *Watcher) removeDir(dir string) {
	if !w.dirs[dir] {
		return
	}
	delete(w.dirs, dir)
	// the kernel drops watches of deleted folders on its own
	if err := w.fs.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		w.config.Logger.Printf("Failed to remove watch %s: %v", dir, err)
	}
}

// addTree watches dir and every folder below it, skipping hidden folders
// other than the reserved metadata folder.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// vanished while walking
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && pathutil.IsHidden(path) && d.Name() != pathutil.ReservedDir {
			return filepath.SkipDir
		}
		return w.addDir(path)
	})
}

func (w *Watcher) removeTree(dir string) {
	for d := range w.dirs {
		if pathutil.IsWithin(dir, d) && !w.isRootDir(d) {
			w.removeDir(d)
		}
	}
}

func (w *Watcher) isRootDir(path string) bool {
	r, ok := w.roots[path]
	return ok && r.isDir
}

func (w *Watcher) record(event fsnotify.Event, now time.Time) {
	path := filepath.Clean(event.Name)
	if !w.tracked(path) {
		if event.Has(fsnotify.Create) && w.besideEntry(path) {
			w.pend(path, event.Op, now)
		}
		return
	}

	if w.isRootDir(path) && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, ok := w.graces[path]; !ok {
			w.config.Logger.Printf("Root vanished, waiting for it to reappear: %s", path)
			w.graces[path] = &grace{next: now.Add(w.config.GraceInterval), retries: w.config.GraceRetries}
		}
		for d := range w.dirs {
			if pathutil.IsWithin(path, d) {
				w.removeDir(d)
			}
		}
		return
	}
	if _, ok := w.graces[path]; ok {
		return
	}

	// hidden folders are reported but not descended into
	if event.Has(fsnotify.Create) && isDir(path) && !w.isEntryRoot(path) && (!pathutil.IsHidden(path) || filepath.Base(path) == pathutil.ReservedDir) {
		if err := w.addTree(path); err != nil {
			w.config.Logger.Printf("Failed to watch new folder %s: %v", path, err)
		}
	}

	w.pend(path, event.Op, now)

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && w.dirs[path] {
		w.removeTree(path)
	}
}

func (w *Watcher) pend(path string, op fsnotify.Op, now time.Time) {
	ps, ok := w.pending[path]
	if !ok {
		wasDir := w.dirs[path]
		if r, ok := w.roots[path]; ok && r.entry {
			wasDir = r.folder
		}
		ps = &pathState{path: path, wasDir: wasDir}
		w.pending[path] = ps
		w.order = append(w.order, path)
	}
	ps.add(op, now)
	w.lastRaw = now
}

func (w *Watcher) drop(path string) {
	delete(w.pending, path)
	for i, p := range w.order {
		if p == path {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *Watcher) flush() {
	states := make([]*pathState, 0, len(w.order))
	for _, p := range w.order {
		states = append(states, w.pending[p])
	}
	w.pending = make(map[string]*pathState)
	w.order = nil

	reduced := reduce(states, isDir)
	events := reduced[:0]
	for _, e := range reduced {
		// siblings of entry roots only matter when paired with a rename
		if w.tracked(e.Path) || (e.From != "" && w.tracked(e.From)) {
			events = append(events, e)
		}
	}
	for _, e := range events {
		if (e.Kind == Renamed || e.Kind == Moved) && isDir(e.Path) && !w.isEntryRoot(e.From) {
			w.removeTree(e.From)
			if err := w.addTree(e.Path); err != nil {
				w.config.Logger.Printf("Failed to watch moved folder %s: %v", e.Path, err)
			}
		}
	}
	if len(events) > 0 {
		w.enqueue(events)
	}
}

func (w *Watcher) checkGraces(now time.Time) {
	for path, g := range w.graces {
		if now.Before(g.next) {
			continue
		}

		if info, err := os.Stat(path); err == nil && info.IsDir() {
			delete(w.graces, path)
			if err := w.addTree(path); err != nil {
				w.config.Logger.Printf("Failed to re-watch %s: %v", path, err)
				continue
			}
			w.config.Logger.Printf("Root reappeared: %s", path)
			w.enqueue([]Event{{Kind: DataModified, Path: path, Time: now}})
			continue
		}

		g.retries--
		if g.retries > 0 {
			g.next = now.Add(w.config.GraceInterval)
			continue
		}

		w.config.Logger.Printf("Root removed: %s", path)
		delete(w.graces, path)
		delete(w.roots, path)
		w.removeTree(path)
		for p := range w.pending {
			if !w.tracked(p) {
				w.drop(p)
			}
		}
		w.enqueue([]Event{{Kind: Removed, Path: path, Time: now}})
	}
}

func (w *Watcher) enqueue(events []Event) {
	w.outbox = append(w.outbox, events)
	if len(w.outbox) > cap(w.batches) {
		w.config.Logger.Printf("Warning: %d batches waiting for delivery", len(w.outbox))
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
