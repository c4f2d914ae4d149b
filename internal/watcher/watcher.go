// Package watcher monitors the write roots for external file changes
// so a pending proposal whose target moved underneath it can be
// invalidated.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event reports a file that changed outside the daemon's control.
type Event struct {
	Path      string
	Timestamp time.Time
}

// Watcher debounces fsnotify events over a set of directories. A path
// is reported once it has been quiet for the debounce window, so a
// burst of writes from an editor yields a single event.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string
	debounce  time.Duration

	// pending: path -> time of last observed change
	// suppressed: path -> ignore events until this time
	pending    map[string]time.Time
	suppressed map[string]time.Time
	pendingMu  sync.Mutex

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given directories. Files changed
// inside them are reported after debounce of quiet time.
func New(paths []string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	return &Watcher{
		fsWatcher:  fsWatcher,
		paths:      paths,
		debounce:   debounce,
		pending:    make(map[string]time.Time),
		suppressed: make(map[string]time.Time),
		events:     make(chan Event, 100),
		errors:     make(chan error, 10),
		done:       make(chan struct{}),
	}, nil
}

// Suppress drops events for path until one debounce window has
// passed. The caller uses it right after writing path itself, so its
// own rename is not reported as an external change.
func (w *Watcher) Suppress(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	w.pendingMu.Lock()
	w.suppressed[absPath] = time.Now().Add(w.debounce)
	delete(w.pending, absPath)
	w.pendingMu.Unlock()
}

// Events returns the channel of debounced change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers the watch paths and begins the event loops.
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.fsWatcher.Add(absPath); err != nil {
				return err
			}
		} else {
			if err := w.fsWatcher.Add(filepath.Dir(absPath)); err != nil {
				return err
			}
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.flushLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// eventLoop records raw fsnotify events into the pending set.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Writes, creates, removes, and renames all count as the
			// target changing underneath a proposal.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				continue
			}

			w.pendingMu.Lock()
			if until, ok := w.suppressed[event.Name]; ok {
				if time.Now().Before(until) {
					w.pendingMu.Unlock()
					continue
				}
				delete(w.suppressed, event.Name)
			}
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// flushLoop emits paths that have been quiet for the debounce window.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	interval := w.debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) flush(now time.Time) {
	threshold := now.Add(-w.debounce)

	w.pendingMu.Lock()
	var quiet []string
	for path, last := range w.pending {
		if last.Before(threshold) {
			quiet = append(quiet, path)
		}
	}
	for _, path := range quiet {
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	for _, path := range quiet {
		select {
		case w.events <- Event{Path: path, Timestamp: now}:
		default:
			// Channel full: re-queue so the change is not lost.
			w.pendingMu.Lock()
			w.pending[path] = now
			w.pendingMu.Unlock()
		}
	}
}

// WatchedPaths returns the configured watch paths.
func (w *Watcher) WatchedPaths() []string {
	return w.paths
}
