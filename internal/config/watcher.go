package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce is how long Watch waits after the last change
// event before reloading. Editors and config-management tools often
// write a file several times in quick succession; a single reload per
// burst is enough.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watch watches the configuration file at path and calls apply with
// each successfully reloaded Config until ctx is done. A file that
// fails to parse or validate is logged and discarded, so apply only
// ever sees a Config the Loader accepted.
//
// A running Agent never mutates itself in response to a reload:
// configuration is snapshotted once at construction. apply is expected
// to stop the old Agent and start a fresh one from the new Config,
// which is what cmd/slpd does under -watch.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory, not the file: tools typically replace a
	// config file by rename, which orphans a watch held on the old
	// inode.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return err
	}

	loader := NewLoader()
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(debounce)
			}
			pendingC = pending.C

		case <-pendingC:
			pendingC = nil
			cfg, err := loader.Load(path)
			if err != nil {
				logger.Error("ignoring invalid configuration reload",
					zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("configuration reloaded", zap.String("path", path))
			apply(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error("configuration watcher error", zap.Error(err))
		}
	}
}
