package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// Watcher hot-reloads the detection section of the config file.
// Invalid edits are logged and the previous config stays in effect.
type Watcher struct {
	path    string
	current atomic.Pointer[pipeline.Config]
	reloads atomic.Uint64
	watcher *fsnotify.Watcher
	log     *logrus.Entry
}

// NewWatcher starts watching the directory holding path. initial is served until the first valid reload.
func NewWatcher(path string, initial pipeline.Config, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		log:     logger.WithField("component", "config"),
	}
	w.current.Store(&initial)

	// Editors replace files by rename, so watch the parent directory
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.log.WithField("dir", dir).Warn("Config directory does not exist, hot reload disabled")
			return w, nil
		}
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return w, nil
}

// Current returns the runtime detection config. It is safe to call from the tick loop.
func (w *Watcher) Current() pipeline.Config {
	return *w.current.Load()
}

// Set replaces the runtime config, for example from an API call. It is validated first.
func (w *Watcher) Set(cfg pipeline.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	w.current.Store(&cfg)
	return nil
}

// Reloads returns the number of successful reloads
func (w *Watcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.log.WithField("path", w.path).Info("Watching config file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("File watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg := Default()
	if err := readFile(w.path, &cfg); err != nil {
		w.log.WithError(err).Warn("Config reload failed, keeping previous settings")
		return
	}
	if err := applyEnv(&cfg); err != nil {
		w.log.WithError(err).Warn("Config reload failed, keeping previous settings")
		return
	}
	if err := w.Set(cfg.Detection); err != nil {
		w.log.WithError(err).Warn("Reloaded detection config is invalid, keeping previous settings")
		return
	}
	w.reloads.Add(1)
	w.log.WithFields(logrus.Fields{
		"threshold": cfg.Detection.ConfidenceThreshold,
		"face_mode": cfg.Detection.FaceMode,
		"cooldown":  cfg.Detection.CooldownSeconds,
	}).Info("Detection config reloaded")
}
