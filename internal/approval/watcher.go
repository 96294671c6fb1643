package approval

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the live policy whenever the file at path changes. Invalid
// edits are logged and skipped; the previous policy stays active.
func Watch(ctx context.Context, lp *LivePolicy, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ReloadFromFile(lp, path); err != nil {
					logger.Error("risk policy reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				logger.Info("risk policy reloaded", "path", path, "version", lp.PolicyVersion())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("risk policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
