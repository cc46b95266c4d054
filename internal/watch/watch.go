// Package watch reports which artifacts of a tier changed on disk,
// coalescing bursts of filesystem events per artifact.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"artisync/internal/artisync"
)

// Watcher watches a tier root laid out as <root>/<type>/<name>/... and calls
// the callback once per artifact after events for it have been quiet for the
// debounce interval.
type Watcher struct {
	root     string
	debounce time.Duration
	callback func(artisync.ArtifactRef)
	skip     func(rel string) bool
	logger   artisync.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	debounceMu sync.Mutex
	pending    map[artisync.ArtifactRef]*time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSkip drops events whose root-relative path matches skip.
func WithSkip(skip func(rel string) bool) Option {
	return func(w *Watcher) { w.skip = skip }
}

// WithLogger sets the logger used for watch errors.
func WithLogger(l artisync.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a Watcher and registers every existing directory under root.
func New(root string, debounce time.Duration, callback func(artisync.ArtifactRef), opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		callback: callback,
		skip:     func(string) bool { return false },
		logger:   artisync.NewNopLogger(),
		watcher:  fw,
		done:     make(chan struct{}),
		pending:  make(map[artisync.ArtifactRef]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins delivering events in a background goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops the watcher and cancels pending callbacks.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.started {
		close(w.done)
	}
	w.mu.Unlock()
	w.wg.Wait()

	w.debounceMu.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[artisync.ArtifactRef]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "root", w.root, "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || w.skip(rel) {
		return
	}

	// fsnotify is not recursive: new directories must be registered.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	ref, ok := ArtifactFor(rel)
	if !ok {
		return
	}
	w.schedule(ref)
}

func (w *Watcher) schedule(ref artisync.ArtifactRef) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.pending[ref]; ok {
		timer.Stop()
	}
	w.pending[ref] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.pending, ref)
		w.debounceMu.Unlock()

		w.callback(ref)
	})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			if rel, err := filepath.Rel(w.root, p); err == nil && w.skip(rel) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch path %s: %w", p, err)
		}
		return nil
	})
}

// ArtifactFor maps a root-relative path to the artifact containing it.
// Paths above the artifact level, or under hidden directories, map to nothing.
func ArtifactFor(rel string) (artisync.ArtifactRef, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return artisync.ArtifactRef{}, false
	}
	if strings.HasPrefix(parts[0], ".") || strings.HasPrefix(parts[1], ".") {
		return artisync.ArtifactRef{}, false
	}
	return artisync.ArtifactRef{Type: parts[0], Name: parts[1]}, true
}
