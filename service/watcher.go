package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the model artifact whenever the file at path is written
// or replaced. Broken artifacts are logged and the serving model is kept.
type Watcher struct {
	path    string
	service *Service
	logger  *zap.Logger
	fs      *fsnotify.Watcher
}

// NewWatcher watches the directory holding path, since atomic saves replace
// the file rather than writing to it.
func NewWatcher(path string, svc *Service, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{path: path, service: svc, logger: logger, fs: fs}, nil
}

// Run blocks until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.reload()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	loaded, err := w.service.LoadFile(w.path)
	if err != nil {
		w.logger.Warn("artifact reload skipped", zap.String("path", w.path), zap.Error(err))
		return
	}
	if !loaded {
		w.logger.Debug("artifact unchanged", zap.String("path", w.path))
	}
}
