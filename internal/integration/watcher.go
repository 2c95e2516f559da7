package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tracescope/internal/logging"
)

// WorkspaceWatcher watches the workspace root for file changes and notifies
// the companion peer with workspace-changed messages. Rapid saves are
// debounced per path so an editor's write bursts collapse into one event.
type WorkspaceWatcher struct {
	mu           sync.RWMutex
	watcher      *fsnotify.Watcher
	workspaceDir string
	notify       func(path, op string)
	debounceMap  map[string]debouncedEvent
	debounceDur  time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	running      bool

	stats WatcherStats
}

type debouncedEvent struct {
	op   string
	seen time.Time
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Notifications int
	Errors        int
	LastEventPath string
	LastEventType string
	LastEventTime time.Time
}

// NewWorkspaceWatcher creates a watcher over workspaceDir. notify is called
// for each settled change with the path relative to the workspace.
func NewWorkspaceWatcher(workspaceDir string, notify func(path, op string)) (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &WorkspaceWatcher{
		watcher:      watcher,
		workspaceDir: workspaceDir,
		notify:       notify,
		debounceMap:  make(map[string]debouncedEvent),
		debounceDur:  500 * time.Millisecond,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events flow until Stop or ctx end.
func (w *WorkspaceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.workspaceDir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	// Watch one level of subdirectories; deeper trees generate too much
	// noise for editor notifications.
	if entries, err := os.ReadDir(w.workspaceDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !w.ignored(entry.Name()) {
				w.watcher.Add(filepath.Join(w.workspaceDir, entry.Name()))
			}
		}
	}

	logging.Integration("Watching workspace: %s", w.workspaceDir)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *WorkspaceWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Integration("Error closing watcher: %v", err)
	}
}

// IsWatching reports whether the loop is running.
func (w *WorkspaceWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a snapshot of watcher activity.
func (w *WorkspaceWatcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *WorkspaceWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Integration("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.flushSettled()
		}
	}
}

// ignored filters paths that never interest the editor peer.
func (w *WorkspaceWatcher) ignored(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return true
	}
	switch base {
	case "node_modules", "dist", "build", "vendor":
		return true
	}
	return false
}

func (w *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	var op string
	switch {
	case event.Op&fsnotify.Create != 0:
		op = "create"
	case event.Op&fsnotify.Write != 0:
		op = "modify"
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		op = "delete"
	default:
		return
	}

	// New directories enter the watch set immediately.
	if op == "create" {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
			return
		}
	}

	w.mu.Lock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = op
	switch op {
	case "create":
		w.stats.FilesCreated++
	case "modify":
		w.stats.FilesModified++
	case "delete":
		w.stats.FilesDeleted++
	}
	w.debounceMap[event.Name] = debouncedEvent{op: op, seen: time.Now()}
	w.mu.Unlock()
}

// flushSettled notifies for events past the debounce window.
func (w *WorkspaceWatcher) flushSettled() {
	w.mu.Lock()
	now := time.Now()
	type settled struct {
		path string
		op   string
	}
	var toNotify []settled
	for path, ev := range w.debounceMap {
		if now.Sub(ev.seen) >= w.debounceDur {
			toNotify = append(toNotify, settled{path: path, op: ev.op})
			delete(w.debounceMap, path)
		}
	}
	w.stats.Notifications += len(toNotify)
	w.mu.Unlock()

	for _, ev := range toNotify {
		rel, err := filepath.Rel(w.workspaceDir, ev.path)
		if err != nil {
			rel = ev.path
		}
		logging.IntegrationDebug("Workspace change settled: %s %s", ev.op, rel)
		if w.notify != nil {
			w.notify(rel, ev.op)
		}
	}
}
