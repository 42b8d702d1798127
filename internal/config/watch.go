package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long Watch waits after the last file event before
// reloading.
const DefaultSettle = 150 * time.Millisecond

var errEmptyFile = errors.New("config file is empty")

// watchOptions carries the knobs and hooks Watch does not expose.
type watchOptions struct {
	logger *slog.Logger
	settle time.Duration
	// ready is called once the watch is registered.
	ready func()
	// rejected is called for every reload that was not applied.
	rejected func(error)
}

// Watch monitors path for changes and calls onChange with the newly loaded
// Config once writes to the file have settled. It runs until ctx is
// cancelled.
//
// Reloads of an empty or invalid file are logged and skipped; the previous
// Config stays in effect.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	return watch(ctx, path, watchOptions{logger: logger}, onChange)
}

func watch(ctx context.Context, path string, opts watchOptions, onChange func(*Config)) error {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}
	settle := opts.settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The directory is watched so the file can be replaced by rename.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger.Info("config: watching for changes", "path", path)
	if opts.ready != nil {
		opts.ready()
	}

	timer := time.NewTimer(settle)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(settle)
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := reload(path)
			if err != nil {
				logger.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				if opts.rejected != nil {
					opts.rejected(err)
				}
				continue
			}
			logger.Info("config: reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config: watcher error", "err", err)
		}
	}
}

// reload loads path, refusing a file that is empty, which is what an editor
// truncating before it writes leaves behind.
func reload(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("config: %s: %w", path, errEmptyFile)
	}
	return Load(path)
}
