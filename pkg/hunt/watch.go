package hunt

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchDir reloads the catalog from dir whenever a definition file changes.
// It returns once the watcher is installed; reloading stops when ctx is done.
func (c *Catalog) WatchDir(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(ev.Name) || ev.Op == fsnotify.Chmod {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("hunt dir watch error", "dir", dir, "error", err)
			case <-fire:
				fire = nil
				if err := c.LoadDir(dir); err != nil {
					c.log.Warn("hunt catalog reload had errors", "dir", dir, "error", err)
				}
			}
		}
	}()
	return nil
}
