package dict

import (
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/cwshugg/comux/internal/logger"
)

// Watched holds a dictionary loaded from a file and, optionally, keeps it
// current as that file changes on disk — additive only: a reload that
// fails to parse (missing file, I/O error) leaves the previously loaded
// dictionary in place rather than swapping in an empty one.
type Watched struct {
	path    string
	current atomic.Pointer[Dictionary]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadFile loads the dictionary at path once, with no hot-reload watcher.
func LoadFile(path string) (*Dictionary, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Load(f)
}

// WatchFile loads the dictionary at path and starts an fsnotify watcher
// that reloads it on every write/create event, swapping the active
// dictionary atomically so concurrent mutator workers never observe a
// partially-loaded table. Call Close to stop watching.
func WatchFile(path string) (*Watched, error) {
	d, _, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	w := &Watched{path: path, done: make(chan struct{})}
	w.current.Store(d)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w, nil // hot-reload is best-effort; the loaded dictionary still works
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return w, nil
	}
	w.watcher = watcher

	go w.loop()
	return w, nil
}

func (w *Watched) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, n, err := LoadFile(w.path)
			if err != nil {
				logger.Warn("dict: reload failed, keeping previous table", "path", w.path, "err", err)
				continue
			}
			w.current.Store(reloaded)
			logger.Info("dict: reloaded", "path", w.path, "entries", n)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("dict: watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Current returns the presently active dictionary snapshot.
func (w *Watched) Current() *Dictionary {
	return w.current.Load()
}

// Close stops the hot-reload watcher, if one is running.
func (w *Watched) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
