// Package hotplug reports USB device arrival and removal.
package hotplug

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"Tether/pkg/logger"
)

// DefaultPath is where Linux exposes USB device nodes, one directory per bus.
const DefaultPath = "/dev/bus/usb"

// DefaultDebounce coalesces the burst of node events a single plug produces.
const DefaultDebounce = 300 * time.Millisecond

// Source notifies about USB devices coming and going. The id passed to the
// callbacks is only meant for diagnostics.
type Source interface {
	OnArrival(fn func(id string))
	OnRemoval(fn func(id string))
	Start() error
	Stop()
}

// Watcher is a Source backed by fsnotify on the usb device node tree.
type Watcher struct {
	root     string
	debounce time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	done      chan struct{}
	onArrival []func(string)
	onRemoval []func(string)
}

// NewWatcher watches root and its bus subdirectories. Empty root means DefaultPath;
// a non-positive debounce means DefaultDebounce.
func NewWatcher(root string, debounce time.Duration) *Watcher {
	if root == "" {
		root = DefaultPath
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{root: root, debounce: debounce}
}

// OnArrival registers fn for device arrivals.
func (w *Watcher) OnArrival(fn func(id string)) {
	w.mu.Lock()
	w.onArrival = append(w.onArrival, fn)
	w.mu.Unlock()
}

// OnRemoval registers fn for device removals.
func (w *Watcher) OnRemoval(fn func(id string)) {
	w.mu.Lock()
	w.onRemoval = append(w.onRemoval, fn)
	w.mu.Unlock()
}

// Start begins watching. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	info, err := os.Stat(w.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("hotplug: " + w.root + " is not a directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.root); err != nil {
		watcher.Close()
		return err
	}
	entries, _ := os.ReadDir(w.root)
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(w.root, e.Name())); err != nil {
				logger.Warn("hotplug").Str("bus", e.Name()).Err(err).Msg("Failed to watch bus")
			}
		}
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	logger.Info("hotplug").Str("path", w.root).Msg("Started watching usb devices")

	go w.watch(watcher, w.stopCh, w.done)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	done := w.done
	w.watcher = nil
	w.mu.Unlock()

	<-done
	logger.Info("hotplug").Msg("Stopped watching usb devices")
}

func (w *Watcher) callbacks(arrival bool) []func(string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if arrival {
		return slices.Clone(w.onArrival)
	}
	return slices.Clone(w.onRemoval)
}

// watch is the main watch loop.
func (w *Watcher) watch(watcher *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)

	var arrivalTimer, removalTimer *time.Timer
	fire := func(timer **time.Timer, arrival bool, id string) {
		if *timer != nil {
			(*timer).Stop()
		}
		*timer = time.AfterFunc(w.debounce, func() {
			select {
			case <-stopCh:
				return
			default:
			}
			for _, fn := range w.callbacks(arrival) {
				fn(id)
			}
		})
	}
	defer func() {
		if arrivalTimer != nil {
			arrivalTimer.Stop()
		}
		if removalTimer != nil {
			removalTimer.Stop()
		}
	}()

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			id := w.deviceID(event.Name)

			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				// a new bus directory is watched, not reported
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						logger.Warn("hotplug").Str("bus", id).Err(err).Msg("Failed to watch bus")
					}
					continue
				}
				logger.Debug("hotplug").Str("device", id).Msg("USB device arrived")
				fire(&arrivalTimer, true, id)

			case event.Op&fsnotify.Remove == fsnotify.Remove:
				logger.Debug("hotplug").Str("device", id).Msg("USB device removed")
				fire(&removalTimer, false, id)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("hotplug").Err(err).Msg("Watcher error")
		}
	}
}

// deviceID is the node path relative to root, e.g. "001/004".
func (w *Watcher) deviceID(path string) string {
	if rel, err := filepath.Rel(w.root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}
