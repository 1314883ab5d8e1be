// Package watch processes sidecars and images as they appear under a
// directory tree.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"

	"example.com/photodate/internal/common"
	"example.com/photodate/internal/pairing"
)

// DefaultDelay is how long a path has to stay quiet before it is handled.
const DefaultDelay = 500 * time.Millisecond

// Handler receives every pair whose files have settled.
type Handler func(ctx context.Context, pair pairing.Filepair)

// Watcher follows a directory tree with fsnotify. Events for one path are
// debounced; only the last one within the delay triggers the handler.
type Watcher struct {
	fs     *fsnotify.Watcher
	handle Handler
	delay  time.Duration

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
	closed  bool
}

// New returns a Watcher. A non-positive delay selects DefaultDelay.
func New(handle Handler, delay time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		fs:      fsw,
		handle:  handle,
		delay:   delay,
		dirs:    make(map[string]bool),
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}, nil
}

// Add watches root and every directory below it.
func (w *Watcher) Add(root string) (err error) {
	defer decorate.OnError(&err, "watch %s", root)
	_, err = w.addTree(root)
	return err
}

// addTree registers the directories under root and returns the media and
// sidecar files already present there.
func (w *Watcher) addTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if relevant(path) {
				files = append(files, path)
			}
			return nil
		}
		w.mu.Lock()
		known := w.dirs[path]
		w.mu.Unlock()
		if known {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()
		common.Logf("watching %s", path)
		return nil
	})
	return files, err
}

// Dirs returns the watched directories, sorted.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func relevant(path string) bool {
	name := filepath.Base(path)
	return pairing.IsSidecarName(name) || pairing.IsMedia(name)
}

// Run handles events until ctx is done and then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.event(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			common.Logf("watch error: %v", err)
		case path := <-w.ready:
			w.settle(ctx, path)
		}
	}
}

func (w *Watcher) event(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
		w.mu.Lock()
		delete(w.dirs, ev.Name)
		w.mu.Unlock()
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if ev.Has(fsnotify.Create) {
			// A new directory may already hold files by the time it is added.
			files, err := w.addTree(ev.Name)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				common.Logf("watch %s: %v", ev.Name, err)
			}
			for _, f := range files {
				w.schedule(f)
			}
			return
		}
		if relevant(ev.Name) {
			w.schedule(ev.Name)
		}
	}
}

// schedule (re)arms the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.deliver(path)
	})
}

// deliver queues a settled path for Run. It gives up once the watcher is
// closed, so a timer firing during shutdown never blocks.
func (w *Watcher) deliver(path string) bool {
	select {
	case w.ready <- path:
		return true
	case <-w.done:
		return false
	}
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

// settle pairs a quiet path and hands the pair to the handler.
func (w *Watcher) settle(ctx context.Context, path string) {
	name := filepath.Base(path)
	if pairing.IsSidecarName(name) {
		pair, miss := pairing.Pair(path)
		if miss != nil {
			common.Logf("unmatched %s: %s", path, miss.Reason)
			return
		}
		w.handle(ctx, pair)
		return
	}
	pair, ok := pairing.FindSidecar(path)
	if !ok {
		return
	}
	w.handle(ctx, pair)
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	w.mu.Unlock()
	if err := w.fs.Close(); err != nil {
		common.Logf("close watcher: %v", err)
	}
}
