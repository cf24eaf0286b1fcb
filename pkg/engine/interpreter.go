package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// reloadDelay debounces bursts of file events from a single save.
const reloadDelay = 500 * time.Millisecond

// Interpreter serves inference from the most recently loaded archive. A
// reload swaps the pipeline only after the new archive loaded completely;
// in-flight runs finish on the pipeline they started with.
type Interpreter struct {
	manager  *PersistenceManager
	opts     []Option
	current  atomic.Pointer[loadedPipeline]
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	reloadMu sync.Mutex
	onReload func(path string, err error)
}

// loadedPipeline is held for reading by every run on it. A replaced
// pipeline is retired under the write lock before it is closed.
type loadedPipeline struct {
	mu       sync.RWMutex
	retired  bool
	pipeline *Pipeline
	path     string
	loadedAt time.Time
}

func (lp *loadedPipeline) retire() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.retired = true
	return lp.pipeline.Close()
}

// ErrNoPipeline is returned when no archive has been loaded yet.
var ErrNoPipeline = errors.New("no pipeline loaded")

// NewInterpreter creates an interpreter loading archives through manager.
// opts are applied to every loaded pipeline.
func NewInterpreter(manager *PersistenceManager, opts ...Option) *Interpreter {
	it := &Interpreter{
		manager: manager,
		opts:    opts,
		tel:     manager.tel,
	}
	it.logger = it.tel.Logger.NewComponentLogger("interpreter")
	return it
}

// OnReload registers a callback invoked after every reload attempt.
func (it *Interpreter) OnReload(fn func(path string, err error)) {
	it.reloadMu.Lock()
	defer it.reloadMu.Unlock()
	it.onReload = fn
}

// LoadArchive loads dir and makes it the active pipeline.
func (it *Interpreter) LoadArchive(ctx context.Context, dir string) error {
	p, err := it.manager.Load(ctx, dir, it.opts...)
	if err != nil {
		return err
	}
	it.swap(p, dir)
	return nil
}

// Use makes p the active pipeline.
func (it *Interpreter) Use(p *Pipeline) {
	it.swap(p, "")
}

func (it *Interpreter) swap(p *Pipeline, path string) {
	old := it.current.Swap(&loadedPipeline{pipeline: p, path: path, loadedAt: time.Now()})
	if old != nil && old.pipeline != p {
		// Runs already on the old pipeline finish first.
		go func() {
			if err := old.retire(); err != nil {
				it.logger.WithError(err).Warn("failed to close replaced pipeline")
			}
		}()
	}
}

// Pipeline returns the active pipeline.
func (it *Interpreter) Pipeline() (*Pipeline, error) {
	lp := it.current.Load()
	if lp == nil {
		return nil, ErrNoPipeline
	}
	return lp.pipeline, nil
}

// ArchivePath returns the path of the active archive, if any.
func (it *Interpreter) ArchivePath() string {
	if lp := it.current.Load(); lp != nil {
		return lp.path
	}
	return ""
}

// acquire returns the active pipeline read-locked. Callers must RUnlock
// it when the run is done.
func (it *Interpreter) acquire() (*loadedPipeline, error) {
	for {
		lp := it.current.Load()
		if lp == nil {
			return nil, ErrNoPipeline
		}
		lp.mu.RLock()
		if !lp.retired {
			return lp, nil
		}
		// Replaced after it was loaded; the new one is already current.
		lp.mu.RUnlock()
	}
}

// Parse runs one inference run on the active pipeline.
func (it *Interpreter) Parse(ctx context.Context, text string) (*Result, error) {
	lp, err := it.acquire()
	if err != nil {
		return nil, err
	}
	defer lp.mu.RUnlock()
	return lp.pipeline.Parse(ctx, text)
}

// ParseBatch runs one inference run per text on the active pipeline.
func (it *Interpreter) ParseBatch(ctx context.Context, texts []string) ([]*Result, error) {
	lp, err := it.acquire()
	if err != nil {
		return nil, err
	}
	defer lp.mu.RUnlock()
	msgs := make([]*Message, len(texts))
	for i, text := range texts {
		msgs[i] = NewMessage(text)
	}
	return lp.pipeline.ProcessBatch(ctx, msgs)
}

// Watch reloads dir whenever it changes. The parent directory is watched
// because saves replace dir by rename. Watch returns once the watcher is
// running; it stops when ctx is done.
func (it *Interpreter) Watch(ctx context.Context, dir string) error {
	dir = filepath.Clean(dir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(dir)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(dir), err)
	}
	_ = watcher.Add(dir)

	it.watchMu.Lock()
	it.watcher = watcher
	it.watchMu.Unlock()

	go it.processEvents(ctx, watcher, dir)

	it.logger.WithArchive(dir).Info("watching archive for changes")
	return nil
}

func (it *Interpreter) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name != dir && !strings.HasPrefix(name, dir+string(filepath.Separator)) {
				continue
			}

			it.logger.WithField("file", event.Name).WithField("op", event.Op.String()).
				Debug("archive changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				it.reload(ctx, watcher, dir)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			it.logger.WithError(err).Error("watcher error")
		}
	}
}

func (it *Interpreter) reload(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	if ctx.Err() != nil {
		return
	}
	err := it.LoadArchive(ctx, dir)
	_ = it.tel.Events.PublishModelReloaded(dir, err)
	if err != nil {
		it.logger.WithArchive(dir).WithError(err).Error("reload failed, keeping current pipeline")
	} else {
		it.logger.WithArchive(dir).Info("archive reloaded")
		// The directory was replaced; watch the new one.
		_ = watcher.Add(dir)
	}
	it.reloadMu.Lock()
	fn := it.onReload
	it.reloadMu.Unlock()
	if fn != nil {
		fn(dir, err)
	}
}

// StopWatching stops the archive watcher.
func (it *Interpreter) StopWatching() error {
	it.watchMu.Lock()
	defer it.watchMu.Unlock()
	if it.watcher != nil {
		err := it.watcher.Close()
		it.watcher = nil
		return err
	}
	return nil
}

// Close stops watching and closes the active pipeline.
func (it *Interpreter) Close() error {
	err := it.StopWatching()
	if lp := it.current.Swap(nil); lp != nil {
		err = errors.Join(err, lp.retire())
	}
	return err
}
