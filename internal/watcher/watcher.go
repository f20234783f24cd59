// Package watcher monitors workspace directories and reports file
// changes once they stop being written to. Events carry the path
// relative to the watched root so they can be recorded against a
// session without further translation.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// Op describes what happened to a file.
type Op int

const (
	// OpWrite means the file was created or modified.
	OpWrite Op = iota
	// OpDelete means the file was removed or renamed away.
	OpDelete
)

// String returns a human-readable name for the operation.
func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Event is a settled file change under one of the watched roots.
type Event struct {
	// Path is the absolute path of the file.
	Path string
	// Rel is the slash-separated path relative to the watched root.
	Rel string
	// Op says whether the file was written or deleted.
	Op Op
	// Size is the file size in bytes at emission time. Zero for deletes.
	Size int64
	// Mode holds the permission bits at emission time. Zero for deletes.
	Mode uint32
	// Timestamp is when the change settled.
	Timestamp time.Time
}

// Config controls what gets watched and how changes are debounced.
type Config struct {
	// Paths lists the root directories to watch.
	Paths []string

	// IncludePatterns restricts events to matching files when non-empty.
	// Patterns containing a slash match against the root-relative path,
	// bare patterns match against the file name.
	IncludePatterns []string

	// ExcludePatterns drops matching files and prunes matching
	// directories from recursive descent.
	ExcludePatterns []string

	// Debounce is how long a file must stay quiet before its change is
	// reported. Defaults to DefaultDebounce.
	Debounce time.Duration

	// MaxFileSize skips files larger than this many bytes when positive.
	MaxFileSize int64

	// Recursive descends into subdirectories and picks up directories
	// created while watching.
	Recursive bool

	// FollowSymlinks descends into symlinked directories during scans.
	FollowSymlinks bool

	// Logger receives debug output. Defaults to a discarding logger.
	Logger *slog.Logger
}

// DefaultDebounce is applied when Config.Debounce is zero.
const DefaultDebounce = 2 * time.Second

type matcher struct {
	g    glob.Glob
	full bool
}

type pendingChange struct {
	at time.Time
	op Op
}

// Watcher turns raw filesystem notifications into settled Events.
type Watcher struct {
	cfg     Config
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	include []matcher
	exclude []matcher

	// mu guards pending, known, dirRoots, and roots.
	mu       sync.Mutex
	pending  map[string]pendingChange
	known    map[string]struct{}
	dirRoots map[string]string
	roots    []string

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a watcher from cfg. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	include, err := compileMatchers(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compileMatchers(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	return &Watcher{
		cfg:      cfg,
		logger:   logger,
		fsw:      fsw,
		include:  include,
		exclude:  exclude,
		pending:  make(map[string]pendingChange),
		known:    make(map[string]struct{}),
		dirRoots: make(map[string]string),
		events:   make(chan Event, 128),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
	}, nil
}

func compileMatchers(patterns []string) ([]matcher, error) {
	matchers := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		full := strings.Contains(p, "/")
		var g glob.Glob
		var err error
		if full {
			g, err = glob.Compile(p, '/')
		} else {
			g, err = glob.Compile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		matchers = append(matchers, matcher{g: g, full: full})
	}
	return matchers, nil
}

func matchAny(matchers []matcher, rel string) bool {
	base := filepath.Base(rel)
	for _, m := range matchers {
		if m.full {
			if m.g.Match(rel) {
				return true
			}
		} else if m.g.Match(base) {
			return true
		}
	}
	return false
}

// fileAllowed reports whether a file at the given root-relative path
// should produce events.
func (w *Watcher) fileAllowed(rel string) bool {
	if matchAny(w.exclude, rel) {
		return false
	}
	if len(w.include) > 0 && !matchAny(w.include, rel) {
		return false
	}
	return true
}

// dirAllowed reports whether a directory should be descended into.
// Include patterns only constrain files, so directories are checked
// against excludes alone.
func (w *Watcher) dirAllowed(rel string) bool {
	return !matchAny(w.exclude, rel)
}

// Start registers the configured roots and begins watching. It fails if
// any root is missing or not a directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("watch path %s: %w", p, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch path %s is not a directory", p)
		}
		w.roots = append(w.roots, abs)
		if err := w.addTree(abs, abs, false); err != nil {
			return err
		}
	}
	// Longest root first so nested roots resolve to the nearest one.
	sort.Slice(w.roots, func(i, j int) bool { return len(w.roots[i]) > len(w.roots[j]) })

	w.wg.Add(2)
	go w.eventLoop()
	go w.stableLoop()
	return nil
}

// addTree watches dir and, when recursive, its subdirectories. Existing
// files become known so later deletions can be reported. When capture is
// set the files are also marked pending, which is how directories that
// appear mid-watch get their contents picked up. Caller holds w.mu.
func (w *Watcher) addTree(dir, root string, capture bool) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.dirRoots[dir] = root

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	now := time.Now()
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		rel, err := relPath(root, p)
		if err != nil {
			continue
		}
		isDir := entry.IsDir()
		if !isDir && entry.Type()&os.ModeSymlink != 0 && w.cfg.FollowSymlinks {
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				isDir = true
			}
		}
		if isDir {
			if w.cfg.Recursive && w.dirAllowed(rel) {
				if err := w.addTree(p, root, capture); err != nil {
					w.logger.Debug("skipping subtree", "dir", p, "error", err)
				}
			}
			continue
		}
		if !w.fileAllowed(rel) {
			continue
		}
		w.known[p] = struct{}{}
		if capture {
			w.pending[p] = pendingChange{at: now, op: OpWrite}
		}
	}
	return nil
}

// removeTree forgets a watched directory. Known files underneath become
// pending deletes since the filesystem does not report them one by one.
// Caller holds w.mu.
func (w *Watcher) removeTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range w.dirRoots {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirRoots, d)
			_ = w.fsw.Remove(d)
		}
	}
	now := time.Now()
	for f := range w.known {
		if strings.HasPrefix(f, prefix) {
			w.pending[f] = pendingChange{at: now, op: OpDelete}
		}
	}
}

// rootFor resolves which watched root a path belongs to. Caller holds
// w.mu.
func (w *Watcher) rootFor(p string) string {
	if root, ok := w.dirRoots[filepath.Dir(p)]; ok {
		return root
	}
	for _, root := range w.roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func relPath(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		info, err := os.Lstat(ev.Name)
		if err != nil {
			// Created and removed before we could look. The remove
			// event that follows handles the known case.
			return
		}
		root := w.rootFor(ev.Name)
		if root == "" {
			return
		}
		rel, err := relPath(root, ev.Name)
		if err != nil {
			return
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if !w.cfg.FollowSymlinks {
				return
			}
			if isDirTarget(ev.Name) {
				info, err = os.Stat(ev.Name)
				if err != nil {
					return
				}
			}
		}
		if info.IsDir() {
			if ev.Op&fsnotify.Create != 0 && w.cfg.Recursive && w.dirAllowed(rel) {
				if err := w.addTree(ev.Name, root, true); err != nil {
					w.logger.Debug("skipping new directory", "dir", ev.Name, "error", err)
				}
			}
			return
		}
		if !w.fileAllowed(rel) {
			return
		}
		w.known[ev.Name] = struct{}{}
		w.pending[ev.Name] = pendingChange{at: time.Now(), op: OpWrite}
		return
	}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, isDir := w.dirRoots[ev.Name]; isDir {
			w.removeTree(ev.Name)
			return
		}
		if _, ok := w.known[ev.Name]; ok {
			w.pending[ev.Name] = pendingChange{at: time.Now(), op: OpDelete}
		}
	}
}

func isDirTarget(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func (w *Watcher) stableLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkStable(now)
		}
	}
}

// tickInterval derives the scan cadence from the debounce window so
// short windows still settle promptly.
func (w *Watcher) tickInterval() time.Duration {
	interval := w.cfg.Debounce / 2
	if interval < 25*time.Millisecond {
		interval = 25 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

type settledChange struct {
	path string
	prev pendingChange
	ev   Event
	drop bool
}

// checkStable emits events for pending changes that have been quiet for
// the full debounce window. It collects candidates under the lock, does
// filesystem work without it, then re-checks that nothing changed in
// between before emitting.
func (w *Watcher) checkStable(now time.Time) {
	w.mu.Lock()
	var due []settledChange
	for p, pc := range w.pending {
		if now.Sub(pc.at) >= w.cfg.Debounce {
			due = append(due, settledChange{path: p, prev: pc})
		}
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}

	for i := range due {
		s := &due[i]
		rel := w.relForEmit(s.path)
		if rel == "" {
			s.drop = true
			continue
		}
		switch s.prev.op {
		case OpWrite:
			info, err := os.Lstat(s.path)
			if err != nil {
				// Gone between the event and now. Report the deletion.
				s.ev = Event{Path: s.path, Rel: rel, Op: OpDelete, Timestamp: now}
				continue
			}
			if w.cfg.MaxFileSize > 0 && info.Size() > w.cfg.MaxFileSize {
				w.logger.Debug("skipping oversize file", "path", s.path, "size", info.Size())
				s.drop = true
				continue
			}
			s.ev = Event{
				Path:      s.path,
				Rel:       rel,
				Op:        OpWrite,
				Size:      info.Size(),
				Mode:      uint32(info.Mode().Perm()),
				Timestamp: now,
			}
		case OpDelete:
			if _, err := os.Lstat(s.path); err == nil {
				// Recreated. The create event queued a fresh write.
				s.drop = true
				continue
			}
			s.ev = Event{Path: s.path, Rel: rel, Op: OpDelete, Timestamp: now}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range due {
		cur, ok := w.pending[s.path]
		if !ok || cur != s.prev {
			// Changed again while we were looking. Let it settle anew.
			continue
		}
		if s.drop {
			delete(w.pending, s.path)
			if s.prev.op == OpDelete {
				delete(w.known, s.path)
			}
			continue
		}
		select {
		case w.events <- s.ev:
			delete(w.pending, s.path)
			if s.ev.Op == OpDelete {
				delete(w.known, s.path)
			}
		default:
			// Consumer is behind. Leave it pending for the next tick.
		}
	}
}

// relForEmit computes the root-relative path for emission. Returns ""
// when no root covers the path anymore.
func (w *Watcher) relForEmit(p string) string {
	w.mu.Lock()
	root := w.rootFor(p)
	w.mu.Unlock()
	if root == "" {
		return ""
	}
	rel, err := relPath(root, p)
	if err != nil {
		return ""
	}
	return rel
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// Events returns the channel of settled file changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Pending returns how many changes are waiting out the debounce window.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// KnownFiles returns how many files the watcher is tracking.
func (w *Watcher) KnownFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

// WatchedDirs returns how many directories have active watches.
func (w *Watcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirRoots)
}

// Stop shuts the watcher down and closes the event channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsw.Close()
}
