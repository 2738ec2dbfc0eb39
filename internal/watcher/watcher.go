package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 100 * time.Millisecond
	readyBuffer     = 64
)

var ErrClosed = errors.New("watcher closed")

// Callback handles one changed path below root.
type Callback func(root, path string) error

// Options controls watcher behavior.
type Options struct {
	Logger   *zap.Logger
	Debounce time.Duration
	// SkipDir reports whether a directory below a root should not be watched.
	// Defaults to skipping hidden directories.
	SkipDir func(name string) bool
}

// Metrics reports watcher counters.
type Metrics struct {
	Roots           int    `json:"roots"`
	EventsDelivered uint64 `json:"events_delivered"`
	EventsCoalesced uint64 `json:"events_coalesced"`
	CallbackErrors  uint64 `json:"callback_errors"`
	Errors          uint64 `json:"errors"`
}

// Watcher is the fsnotify-backed implementation.
type Watcher struct {
	callback Callback
	logger   *zap.Logger
	debounce time.Duration
	skipDir  func(string) bool

	mu       sync.Mutex
	monitors map[string]*monitor
	closed   bool
	wg       sync.WaitGroup

	eventsDelivered atomic.Uint64
	eventsCoalesced atomic.Uint64
	callbackErrors  atomic.Uint64
	errorCount      atomic.Uint64
}

type monitor struct {
	root      string
	fs        *fsnotify.Watcher
	debouncer *debouncer
	ready     chan string
	done      chan struct{}
	alive     atomic.Bool
}

// New creates a Watcher that reports changes to callback.
func New(callback Callback, options Options) *Watcher {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	skipDir := options.SkipDir
	if skipDir == nil {
		skipDir = isHidden
	}
	return &Watcher{
		callback: callback,
		logger:   logger.With(zap.String("component", "watcher")),
		debounce: debounce,
		skipDir:  skipDir,
		monitors: make(map[string]*monitor),
	}
}

// Monitor starts watching root and every directory below it. Watching a
// root twice is a no-op.
func (w *Watcher) Monitor(root string) error {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("monitor %s: not a directory", root)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, exists := w.monitors[root]; exists {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	m := &monitor{
		root:  root,
		fs:    fsw,
		ready: make(chan string, readyBuffer),
		done:  make(chan struct{}),
	}
	m.debouncer = newDebouncer(w.debounce, func(path string) {
		select {
		case m.ready <- path:
		case <-m.done:
		}
	})
	if _, err := w.addTree(m, root); err != nil {
		fsw.Close()
		return err
	}

	w.monitors[root] = m
	m.alive.Store(true)
	w.wg.Add(1)
	go w.run(m)

	w.logger.Info("monitoring started", zap.String("root", root))
	return nil
}

// Alive reports whether root has a running monitor.
func (w *Watcher) Alive(root string) bool {
	w.mu.Lock()
	m, ok := w.monitors[filepath.Clean(root)]
	w.mu.Unlock()
	return ok && m.alive.Load()
}

// Roots returns the monitored roots.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	roots := make([]string, 0, len(w.monitors))
	for root := range w.monitors {
		roots = append(roots, root)
	}
	return roots
}

// Shutdown stops every monitor and waits for them to exit. It is idempotent.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	monitors := make([]*monitor, 0, len(w.monitors))
	for _, m := range w.monitors {
		monitors = append(monitors, m)
	}
	w.mu.Unlock()

	for _, m := range monitors {
		close(m.done)
		if err := m.fs.Close(); err != nil {
			w.logger.Warn("close fsnotify watcher failed",
				zap.String("root", m.root),
				zap.Error(err))
		}
	}
	w.wg.Wait()
}

// Metrics reports current watcher stats.
func (w *Watcher) Metrics() Metrics {
	w.mu.Lock()
	roots := len(w.monitors)
	w.mu.Unlock()
	return Metrics{
		Roots:           roots,
		EventsDelivered: w.eventsDelivered.Load(),
		EventsCoalesced: w.eventsCoalesced.Load(),
		CallbackErrors:  w.callbackErrors.Load(),
		Errors:          w.errorCount.Load(),
	}
}

func (w *Watcher) run(m *monitor) {
	defer w.wg.Done()
	defer m.alive.Store(false)
	defer m.debouncer.stop()

	for {
		select {
		case event, ok := <-m.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(m, event)
		case err, ok := <-m.fs.Errors:
			if !ok {
				return
			}
			w.errorCount.Add(1)
			w.logger.Warn("watch error", zap.String("root", m.root), zap.Error(err))
		case path := <-m.ready:
			if m.debouncer.pop(path) {
				w.dispatch(m.root, path)
			}
		case <-m.done:
			return
		}
	}
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Chmod | fsnotify.Remove | fsnotify.Rename

func (w *Watcher) handleEvent(m *monitor, event fsnotify.Event) {
	if event.Op&relevantOps == 0 {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.handleNewDir(m, event.Name)
			return
		}
	}
	if m.debouncer.schedule(event.Name) {
		w.eventsCoalesced.Add(1)
	}
}

// handleNewDir watches a directory created under a root and reports the
// files that appeared in it before the watch was in place.
func (w *Watcher) handleNewDir(m *monitor, dir string) {
	if w.skipDir(filepath.Base(dir)) {
		return
	}
	files, err := w.addTree(m, dir)
	if err != nil {
		w.logger.Warn("watch new directory failed", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, file := range files {
		m.debouncer.schedule(file)
	}
}

func (w *Watcher) dispatch(root, path string) {
	w.eventsDelivered.Add(1)
	defer func() {
		if r := recover(); r != nil {
			w.callbackErrors.Add(1)
			w.logger.Error("error while reloading",
				zap.String("root", root),
				zap.String("path", path),
				zap.Any("panic", r))
		}
	}()

	if w.callback == nil {
		return
	}
	if err := w.callback(root, path); err != nil {
		w.callbackErrors.Add(1)
		w.logger.Error("error while reloading",
			zap.String("root", root),
			zap.String("path", path),
			zap.Error(err))
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
