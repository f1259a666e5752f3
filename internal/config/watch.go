package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/tagdex/tagdexd/internal/logger"
)

// WatchForChanges logs a warning whenever the config file on disk changes
// while the daemon is running. Config is folded into the arena header's
// MD5, so a live edit never takes effect until the process is restarted and
// the arena is validated against the new hash; this only exists to tell an
// operator that a restart is needed.
func WatchForChanges(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) {
					logger.Warn("config file changed on disk; restart required for changes to take effect", "path", path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
