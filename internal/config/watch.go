package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher wraps fsnotify around SrvConfigsPath so a filesystem event can
// nudge the registry's 10s stat-poll loop into an out-of-cycle recheck; it
// never replaces the mandated poll cadence, it only shortens the worst-case
// staleness window between edits and reload.
type FsWatcher struct {
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatchForNudges starts watching dir (typically Paths.SrvConfigsPath) and
// calls registry.Nudge debounced on every relevant filesystem event. It
// returns nil if dir is empty, since nudging is an optimization, not a
// requirement.
func WatchForNudges(ctx context.Context, dir string, registry *Registry, logger *slog.Logger) (*FsWatcher, error) {
	if dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fw := &FsWatcher{watcher: watcher, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(fw.done)
		defer watcher.Close()

		const debounce = 250 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timerC:
				timerC = nil
				registry.Nudge()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config: fsnotify watch error", slog.Any("error", err))
			}
		}
	}()

	return fw, nil
}

// Stop halts the watcher.
func (fw *FsWatcher) Stop() {
	if fw == nil {
		return
	}
	fw.cancel()
	<-fw.done
}
