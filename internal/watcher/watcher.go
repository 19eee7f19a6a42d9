// Package watcher funnels filesystem change notifications for a dynamic set
// of paths into one callback set. Paths that do not exist yet are retried on
// a fixed interval until they can be watched.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// DefaultRetryInterval is how often missing paths are retried.
const DefaultRetryInterval = 5 * time.Second

// Watcher monitors a set of files. Consumers re-read the files they care
// about on every callback; the event payload is only the path.
type Watcher struct {
	fsw   *fsnotify.Watcher
	retry time.Duration

	mu        sync.Mutex
	paths     map[string]bool // configured path -> currently watched
	callbacks []func(path string)
	retrying  bool
	closed    bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a watcher and starts its event loop.
func New(retryInterval time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	w := &Watcher{
		fsw:      fsw,
		retry:    retryInterval,
		paths:    make(map[string]bool),
		stopChan: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

// OnChange registers a callback invoked for every change to any watched path,
// and when a missing path first becomes watchable.
func (w *Watcher) OnChange(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Add starts watching paths. Paths that cannot be watched yet are retried.
func (w *Watcher) Add(paths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if _, exists := w.paths[abs]; exists {
			continue
		}
		w.paths[abs] = false
		if err := w.fsw.Add(abs); err != nil {
			slog.Debug("Path not watchable yet, will retry", logfields.Path(abs), logfields.Error(err))
			continue
		}
		w.paths[abs] = true
	}
	w.ensureRetryLocked()
}

// Remove stops watching paths.
func (w *Watcher) Remove(paths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		watched, exists := w.paths[abs]
		if !exists {
			continue
		}
		delete(w.paths, abs)
		if watched {
			_ = w.fsw.Remove(abs)
		}
	}
}

// Watched returns the paths currently watched.
func (w *Watcher) Watched() []string { return w.list(true) }

// Pending returns the configured paths still waiting to be watched.
func (w *Watcher) Pending() []string { return w.list(false) }

func (w *Watcher) list(watched bool) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p, ok := range w.paths {
		if ok == watched {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stopChan)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) ensureRetryLocked() {
	if w.retrying || w.closed {
		return
	}
	for _, watched := range w.paths {
		if !watched {
			w.retrying = true
			w.wg.Add(1)
			go w.retryLoop()
			return
		}
	}
}

// retryLoop exits once every configured path is watched.
func (w *Watcher) retryLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.retry)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		var appeared []string
		pending := 0
		for p, watched := range w.paths {
			if watched {
				continue
			}
			if err := w.fsw.Add(p); err != nil {
				pending++
				continue
			}
			w.paths[p] = true
			appeared = append(appeared, p)
		}
		if pending == 0 {
			w.retrying = false
		}
		w.mu.Unlock()

		for _, p := range appeared {
			slog.Debug("Watching path", logfields.Path(p))
			w.notify(p)
		}
		if pending == 0 {
			return
		}
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	watched, configured := w.paths[path]
	if !configured {
		w.mu.Unlock()
		return
	}
	if watched && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		// The watch died with the file; wait for it to come back.
		_ = w.fsw.Remove(path)
		w.paths[path] = false
		w.ensureRetryLocked()
	}
	w.mu.Unlock()

	w.notify(path)
}

func (w *Watcher) notify(path string) {
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(path)
	}
}
