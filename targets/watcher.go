package targets

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

// Watcher keeps the latest content of a targets file. Files are usually
// replaced rather than edited in place, so the parent directory is watched.
type Watcher struct {
	path   string
	logger logging.Logger

	mu      sync.RWMutex
	current Set

	fsw                     *fsnotify.Watcher
	activeBackgroundWorkers sync.WaitGroup
}

// NewWatcher loads path and reloads it whenever it changes. A missing or
// malformed file leaves the previous targets in place (initially none).
func NewWatcher(path string, logger logging.Logger) (*Watcher, error) {
	path = filepath.Clean(path)
	w := &Watcher{path: path, logger: logger, current: Set{}}
	w.reload()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create file watcher")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "unable to create %s", dir)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "unable to watch %s", dir)
	}
	w.fsw = fsw

	w.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(w.watch, w.activeBackgroundWorkers.Done)
	return w, nil
}

func (w *Watcher) watch() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("targets watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debugf("no targets file at %s", w.path)
		} else {
			w.logger.Warnf("keeping previous targets: %v", err)
		}
		return
	}
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
	w.logger.Infof("loaded %d targets from %s", len(s), w.path)
}

// Current returns the latest targets. The returned set must not be modified.
func (w *Watcher) Current() Set {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.activeBackgroundWorkers.Wait()
	return err
}
