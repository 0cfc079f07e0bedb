package project

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher signals manifest edits. It watches the manifest's directory
// rather than the file: editors replace files on save, which breaks a
// direct file watch.
type Watcher struct {
	path     string
	base     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for one manifest file.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		base:     filepath.Base(abs),
		watcher:  fsw,
		logger:   logger.With().Str("component", "watcher").Logger(),
		debounce: 250 * time.Millisecond,
	}, nil
}

// Run blocks, invoking onChange after each burst of manifest edits,
// until the context is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != w.base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire several events per save; coalesce them.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.logger.Debug().Str("path", w.path).Msg("Manifest changed")
			onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}
