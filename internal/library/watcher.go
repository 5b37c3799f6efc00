package library

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long the watcher waits after the last file
// system event before requesting a rescan.
const DefaultSettleDelay = 10 * time.Second

// Rescanner is asked to rescan after the library directories change.
type Rescanner interface {
	RequestRescan(ctx context.Context)
}

// Watcher turns file system notifications under the library roots into
// debounced rescan requests.
type Watcher struct {
	roots       []string
	hiddenExt   string
	settleDelay time.Duration
	rescanner   Rescanner
	logger      *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	pending int
}

// NewWatcher creates a watcher for roots.
func NewWatcher(roots []string, hiddenExt string, settleDelay time.Duration, rescanner Rescanner, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Watcher{
		roots:       roots,
		hiddenExt:   "." + strings.TrimPrefix(hiddenExt, "."),
		settleDelay: settleDelay,
		rescanner:   rescanner,
		logger:      logger.With(slog.String("component", "library_watcher")),
	}
}

// Start begins watching. Roots that do not exist are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return errors.New("watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	for _, root := range w.roots {
		if err := w.watchDir(root); err != nil {
			w.logger.Warn("failed to watch library path",
				slog.String("path", root),
				slog.String("error", err.Error()),
			)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)

	w.logger.Info("watching library paths", slog.Int("directories", len(fw.WatchList())))
	return nil
}

// Stop stops watching and discards a pending rescan.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	_ = w.watcher.Close()
}

// watchDir adds a watch to dir and every directory below it.
func (w *Watcher) watchDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	// Encoder output is renamed into place when finished; the rename is what counts.
	if strings.HasSuffix(event.Name, w.hiddenExt) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchDir(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	w.logger.Debug("library change", slog.String("path", event.Name), slog.String("op", event.Op.String()))
	w.schedule(ctx)
}

// schedule (re)arms the settle timer.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}
	w.pending++
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settleDelay, func() {
		w.mu.Lock()
		n := w.pending
		w.pending = 0
		w.timer = nil
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.logger.Debug("library settled, requesting rescan", slog.Int("events", n))
		w.rescanner.RequestRescan(ctx)
	})
}
