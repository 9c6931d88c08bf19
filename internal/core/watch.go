package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long to wait after the last change before reloading
const reloadDebounce = 500 * time.Millisecond

// WatchConfig watches the config file and calls onChange with the freshly
// parsed configuration after each settled write. Parse failures are logged
// and the previous configuration stays in effect. Returns when ctx is done.
func WatchConfig(ctx context.Context, configPath string, onChange func(*Configuration)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return err
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors using atomic writes drop the original from the watch list
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, configPath)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDebounce, func() {
					cfg, err := LoadConfig(configPath)
					if err != nil {
						slog.Error("Failed to reload configuration", "file", configPath, "error", err)
						return
					}
					slog.Info("Configuration reloaded", "file", configPath)
					onChange(cfg)
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	return nil
}

// rewatch re-adds the watch with exponential backoff (10ms .. 160ms)
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		if err := watcher.Add(path); err == nil {
			return
		} else if attempt == 4 {
			slog.Error("Failed to re-add watch after multiple attempts", "error", err, "path", path)
		}
	}
}
