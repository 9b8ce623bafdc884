package tokenstore

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"larkgate/pkg/logging"
)

// watcher invalidates cached credentials when a tokens.json changes on disk.
// Workers own their token directory and may rotate tokens themselves; the
// watcher keeps the gateway's cache from serving a revoked access token for
// a full cache TTL after such a rotation.
type watcher struct {
	fsw        *fsnotify.Watcher
	dataDir    string
	invalidate func(userID string)
	done       chan struct{}
}

func newWatcher(dataDir string, invalidate func(userID string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dataDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{
		fsw:        fsw,
		dataDir:    dataDir,
		invalidate: invalidate,
		done:       make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("TokenStore", "Filesystem watcher error: %v", err)
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	// New user directories appear as creates directly under the data dir;
	// watch them so we see their tokens.json later.
	if event.Op.Has(fsnotify.Create) {
		if filepath.Dir(event.Name) == filepath.Clean(w.dataDir) && strings.HasPrefix(filepath.Base(event.Name), userDirPrefix) {
			if err := w.fsw.Add(event.Name); err != nil {
				logging.Debug("TokenStore", "Failed to watch %s: %v", event.Name, err)
			}
		}
	}

	if filepath.Base(event.Name) != tokensFileName {
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	dir := filepath.Base(filepath.Dir(event.Name))
	if !strings.HasPrefix(dir, userDirPrefix) {
		return
	}
	w.invalidate(strings.TrimPrefix(dir, userDirPrefix))
}

func (w *watcher) Stop() {
	w.fsw.Close()
	<-w.done
}
