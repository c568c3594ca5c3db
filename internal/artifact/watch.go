package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// ArtifactEvent reports that an artifact was written for a job.
type ArtifactEvent struct {
	JobID string
	Name  string
}

// Watcher emits an event whenever a named artifact lands in any job
// directory. The HTTP layer and CLI write approvals; the watcher lets a
// long-running process resume jobs without polling.
type Watcher struct {
	store   *Store
	name    string
	watcher *fsnotify.Watcher
	events  chan ArtifactEvent
	logger  *zap.Logger
}

// Watch starts watching for artifact name across all jobs. Artifacts that
// already exist when a job directory is first seen are reported too.
func (s *Store) Watch(ctx context.Context, name string) (*Watcher, error) {
	if err := validateSegment(name); err != nil {
		return nil, &ValidationError{Name: name, Reason: err.Error()}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(s.baseDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", s.baseDir, err)
	}

	w := &Watcher{
		store:   s,
		name:    name,
		watcher: fw,
		events:  make(chan ArtifactEvent, 16),
		logger:  s.logger,
	}

	go w.run(ctx)
	return w, nil
}

// Events returns the event channel. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan ArtifactEvent {
	return w.events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)
	defer w.watcher.Close()

	jobs, err := w.store.Jobs(ctx)
	if err != nil {
		w.logger.Warn("initial job scan failed", zap.Error(err))
	}
	for _, jobID := range jobs {
		w.addJobDir(ctx, filepath.Join(w.store.baseDir, jobID))
	}

	target := w.name + extension(w.name)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			dir, file := filepath.Split(ev.Name)
			dir = filepath.Clean(dir)

			if dir == filepath.Clean(w.store.baseDir) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addJobDir(ctx, ev.Name)
				}
				continue
			}
			if file == target {
				w.emit(ctx, filepath.Base(dir))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

// addJobDir watches a job directory and reports an artifact that was
// written before the watch was in place.
func (w *Watcher) addJobDir(ctx context.Context, dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch job directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	if _, err := os.Stat(filepath.Join(dir, w.name+extension(w.name))); err == nil {
		w.emit(ctx, filepath.Base(dir))
	}
}

func (w *Watcher) emit(ctx context.Context, jobID string) {
	select {
	case w.events <- ArtifactEvent{JobID: jobID, Name: w.name}:
	case <-ctx.Done():
	}
}
