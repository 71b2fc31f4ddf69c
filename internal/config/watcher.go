package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/logging"
)

const (
	// configDebounce absorbs duplicate and out-of-order watcher notifications
	// for the main and proxy files.
	configDebounce = 1 * time.Second
	// processDebounce is the longer debounce used for the process file.
	processDebounce = 2 * time.Second
)

// Watcher debounces file-change notifications for the snapshot's dependency
// set and coordinates atomic swaps into the Store.
type Watcher struct {
	watcher *fsnotify.Watcher
	loader  *Loader
	store   *Store

	mu            sync.Mutex
	debounceTimer *time.Timer

	done chan struct{}
}

// NewWatcher creates a watcher over the store's current dependency set.
func NewWatcher(store *Store, loader *Loader) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fsWatcher,
		loader:  loader,
		store:   store,
		done:    make(chan struct{}),
	}

	// Watch the directories, not the files: editors replace files on save and
	// direct file watches break across renames.
	dirs := make(map[string]bool)
	for _, f := range store.Current().WatchedFiles() {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	return w, nil
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() {
	go w.watch()
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// watch monitors for file changes. Event content is not trusted; on every
// debounce expiry all files are re-read from scratch.
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			snap := w.store.Current()
			delay := time.Duration(0)
			for _, f := range snap.WatchedFiles() {
				if filepath.Base(event.Name) == filepath.Base(f) {
					delay = configDebounce
					if f == snap.ProcessPath {
						delay = processDebounce
					}
					break
				}
			}
			if delay == 0 {
				continue
			}
			w.scheduleReload(delay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// scheduleReload starts or resets the debounce timer.
func (w *Watcher) scheduleReload(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(delay, w.reload)
}

// reload re-reads all configuration files and either publishes a new snapshot
// or reports the error and leaves the previous snapshot intact.
func (w *Watcher) reload() {
	w.store.NotifyReloading()

	root := w.store.Current().MainPath
	if root == "" {
		root = w.store.Current().ProxyPath
	}

	snap, err := w.loader.Load(root)
	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
		w.store.NotifyError(err)
		return
	}

	w.store.Publish(snap)
	logging.Info("configuration reloaded",
		zap.String("path", root),
		zap.Int("routes", len(snap.Proxy.Routes)),
	)
}
