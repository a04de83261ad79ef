package supervisor

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchSettingsFile emits a signal whenever the settings file's directory
// reports a write or create touching it. The caller still polls mtime as
// the fallback: editors that replace files atomically and network shares
// both defeat inotify-style watchers.
func watchSettingsFile(ctx context.Context, path string) <-chan struct{} {
	events := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("settings watcher unavailable; mtime polling only")
		return events
	}
	// Watch the directory: the file itself may not exist yet.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Debug().Err(err).Msg("settings watcher add failed; mtime polling only")
		_ = watcher.Close()
		return events
	}

	go func() {
		defer watcher.Close()
		base := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return events
}
