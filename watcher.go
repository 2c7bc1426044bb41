package terminal

import (
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce delays recompilation after a file event so editors that
// write in several steps trigger only one rebuild.
const reloadDebounce = 100 * time.Millisecond

// shaderWatcher watches the custom shader's directory and latches an
// invalidation timestamp the render loop polls once per frame. The
// watcher goroutine touches nothing but the atomic: math.MaxInt64 means
// "nothing pending", anything else is the UnixNano time after which the
// shader should be recompiled.
type shaderWatcher struct {
	invalidationTime atomic.Int64

	fs   *fsnotify.Watcher
	done chan struct{}
}

// newShaderWatcher starts watching the directory of path. A watcher that
// fails to start is reported as nil; hot reload is a development aid and
// never blocks rendering.
func newShaderWatcher(path string) *shaderWatcher {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		logger().Warn("shader watcher unavailable", "err", err)
		return nil
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		logger().Warn("shader watcher unavailable", "path", path, "err", err)
		_ = fs.Close()
		return nil
	}

	w := &shaderWatcher{
		fs:   fs,
		done: make(chan struct{}),
	}
	w.invalidationTime.Store(math.MaxInt64)

	base := filepath.Base(path)
	go w.run(base)
	return w
}

func (w *shaderWatcher) run(base string) {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Latch only when idle so a burst of events keeps the
			// original deadline instead of pushing it out forever.
			deadline := time.Now().Add(reloadDebounce).UnixNano()
			w.invalidationTime.CompareAndSwap(math.MaxInt64, deadline)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *shaderWatcher) stop() {
	close(w.done)
	_ = w.fs.Close()
}
