package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"lapse/internal/fsutil"
)

// FrameEvent is a change to an image file in a watched directory.
type FrameEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// FrameWatcher forwards image file changes in a directory.
type FrameWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan FrameEvent
	dir     string
	done    chan struct{}
	stop    sync.Once
	logger  *slog.Logger
}

// NewFrameWatcher creates a watcher for dir. Call Start to begin.
func NewFrameWatcher(dir string, logger *slog.Logger) (*FrameWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameWatcher{
		watcher: watcher,
		Events:  make(chan FrameEvent, 100),
		dir:     dir,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins monitoring the directory.
func (fw *FrameWatcher) Start() error {
	if err := fw.watcher.Add(fw.dir); err != nil {
		return err
	}
	fw.logger.Info("watching directory", "dir", fw.dir)
	go fw.processEvents()
	return nil
}

// Stop closes the watcher and the Events channel.
func (fw *FrameWatcher) Stop() error {
	var err error
	fw.stop.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FrameWatcher) processEvents() {
	defer close(fw.Events)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}

			select {
			case fw.Events <- FrameEvent{Path: event.Name, Operation: operation, Time: time.Now()}:
			default:
				fw.logger.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("filesystem watcher error", "error", err)

		case <-fw.done:
			return
		}
	}
}

// Debounce collects events until none arrived for quiet, then calls fn with
// the batch. When limiter is set, fn runs no more often than it allows. It
// returns when ctx ends or events is closed, flushing any pending batch.
func Debounce(ctx context.Context, events <-chan FrameEvent, quiet time.Duration, limiter *rate.Limiter, fn func(context.Context, []FrameEvent)) error {
	var (
		pending []FrameEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		batch := pending
		pending = nil
		fn(ctx, batch)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return flush()
			}
			pending = append(pending, ev)
			if timer == nil {
				timer = time.NewTimer(quiet)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(quiet)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
