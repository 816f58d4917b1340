package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls a reload function when the rule document, config file or
// policy files change.
type Watcher struct {
	paths    []string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher watches the given files and directories.
func NewWatcher(paths []string, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		paths:    paths,
		debounce: debounce,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
	}
}

// Run blocks until ctx is done, calling reload once per burst of changes.
// Reload errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context, reload func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Files are watched through their directory so editors that replace the
	// file on save keep triggering events.
	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range w.paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			files[abs] = true
			dirs[filepath.Dir(abs)] = true
			continue
		}
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs[p] = true
			}
			return err
		})
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to walk directory")
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.logger.Info().Int("paths", len(w.paths)).Msg("Started watching configuration")

	relevant := func(name string) bool {
		ext := filepath.Ext(name)
		return files[name] || ext == ".rego" || ext == ".star"
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !relevant(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Configuration changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			w.logger.Info().Msg("Reloading configuration")
			if err := reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload configuration")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
