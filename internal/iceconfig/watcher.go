package iceconfig

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/logging"
)

// Watcher keeps the latest valid server list of a file. Edits that fail
// validation are logged and the previous list stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     logging.LeveledLogger

	mu       sync.RWMutex
	servers  []Server
	onChange func([]Server)

	closed chan struct{}
	done   chan struct{}
}

// Watch loads path and starts watching it for changes.
func Watch(path string, lf logging.LoggerFactory) (*Watcher, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	servers, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		log:     lf.NewLogger("iceconfig"),
		servers: servers,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if !HasTURN(servers) {
		w.log.Warnf("%s has no TURN server; clients behind strict NATs will not connect", path)
	}
	go w.watchLoop()
	return w, nil
}

// Servers returns the current list.
func (w *Watcher) Servers() []Server {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Server(nil), w.servers...)
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(fn func([]Server)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	close(w.closed)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.log.Warnf("%s removed, keeping last list", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	servers, err := Load(w.path)
	if err != nil {
		w.log.Warnf("hot reload of %s failed: %v", w.path, err)
		return
	}
	if !HasTURN(servers) {
		w.log.Warnf("%s has no TURN server", w.path)
	}

	w.mu.Lock()
	w.servers = servers
	fn := w.onChange
	w.mu.Unlock()

	w.log.Infof("reloaded %d ICE servers from %s", len(servers), w.path)
	if fn != nil {
		fn(servers)
	}
}
