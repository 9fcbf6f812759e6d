package pack

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
)

// Watcher enqueues PACK_TREE_UPDATE when packs are added to or removed from
// the packs directory, or a pack's metadata changes.
type Watcher struct {
	dir    string
	bus    *event.Bus
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for dir
func NewWatcher(dir string, bus *event.Bus, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:    dir,
		bus:    bus,
		logger: logger.Named("pack_watcher"),
	}
}

// Start begins watching until ctx is done or Close is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fw.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addPackDir(fw, filepath.Join(w.dir, entry.Name()))
		}
	}

	w.watcher = fw
	w.done = make(chan struct{})
	go w.loop(ctx, fw, w.done)

	w.logger.Info("watching packs directory", zap.String("dir", w.dir))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.dir) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addPackDir(fw, ev.Name)
				}
			}
			if w.relevant(ev) {
				w.logger.Debug("pack tree changed", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
				w.bus.Enqueue(event.PackTreeUpdate, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("pack watcher error", zap.Error(err))
		}
	}
}

// addPackDir watches a pack root so metadata edits are seen
func (w *Watcher) addPackDir(fw *fsnotify.Watcher, dir string) {
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("cannot watch pack directory", zap.String("dir", dir), zap.Error(err))
	}
}

// relevant reports whether ev changes the set of packs or a pack's metadata
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Dir(ev.Name) == filepath.Clean(w.dir) {
		return ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
	}
	return filepath.Base(ev.Name) == MetadataFile &&
		ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// Close stops watching and waits for the watch loop to exit
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	return err
}
