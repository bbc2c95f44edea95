package file

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher watches a function's cache directory and exposes a
// broadcast "something changed" signal. Construction never fails the
// caller: if the platform can't hand out another watch (inotify limit,
// sandboxed environment, etc.) the backend degrades to poll-only mode,
// per the file backend's documented graceful degradation.
type dirWatcher struct {
	mu      sync.Mutex
	ch      chan struct{}
	watcher *fsnotify.Watcher
	onEvent func(name string)
}

func newDirWatcher(dir string, logger *log.Logger, onEvent func(name string)) *dirWatcher {
	w := &dirWatcher{ch: make(chan struct{}), onEvent: onEvent}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("memoize: file backend watcher unavailable, falling back to poll-only: %v", err)
		return w
	}
	if err := watcher.Add(dir); err != nil {
		logger.Printf("memoize: file backend watch on %s failed, falling back to poll-only: %v", dir, err)
		watcher.Close()
		return w
	}
	w.watcher = watcher
	go w.run(logger)
	return w
}

func (w *dirWatcher) run(logger *log.Logger) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if w.onEvent != nil {
					w.onEvent(ev.Name)
				}
				w.broadcast()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Printf("memoize: file backend watch error: %v", err)
		}
	}
}

// broadcast wakes every current listener on Changed() by closing and
// replacing the signal channel.
func (w *dirWatcher) broadcast() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// Changed returns the current broadcast channel; it is closed the next
// time a relevant filesystem event fires.
func (w *dirWatcher) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *dirWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
