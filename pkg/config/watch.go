package config

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tidemark-io/tidemark/pkg/log"
)

// Watch observes a configuration directory and delivers a debounced signal on
// the returned channel whenever any YAML file changes. The channel is closed
// when ctx is cancelled. Editors produce bursts of writes; changes within the
// debounce window collapse into one notification.
func Watch(ctx context.Context, dir string, debounce time.Duration) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	logger := log.WithComponent("config-watch")
	changes := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		defer close(changes)

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Configuration file changed")
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				select {
				case changes <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Configuration watcher error")
			}
		}
	}()

	return changes, nil
}
