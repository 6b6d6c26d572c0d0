package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"go.uber.org/zap"
)

// LoadTemplateFile parses and validates a YAML template.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, invalidf("parse template %s: %v", path, err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(t.Tasks); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return &t, nil
}

// LoadTemplateDir registers every *.yaml and *.yml file in dir. A bad file is
// logged and skipped; the number of templates registered is returned.
func LoadTemplateDir(ctx context.Context, e *Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir %s: %w", dir, err)
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := loadInto(ctx, e, path); err != nil {
			e.logger.Warn("skipping template file", zap.String("path", path), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func loadInto(ctx context.Context, e *Engine, path string) error {
	t, err := LoadTemplateFile(path)
	if err != nil {
		return err
	}
	_, err = e.RegisterTemplate(ctx, t)
	return err
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// TemplateWatcher reloads template files when they change on disk.
type TemplateWatcher struct {
	engine  *Engine
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *zap.Logger
}

// NewTemplateWatcher watches dir for created or written template files.
func NewTemplateWatcher(e *Engine, dir string, logger *zap.Logger) (*TemplateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &TemplateWatcher{
		engine:  e,
		dir:     dir,
		watcher: w,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start processes file events until ctx ends or Close is called.
func (w *TemplateWatcher) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !isTemplateFile(event.Name) {
					continue
				}
				if err := loadInto(ctx, w.engine, event.Name); err != nil {
					w.logger.Warn("template reload failed", zap.String("path", event.Name), zap.Error(err))
					continue
				}
				w.logger.Info("template reloaded", zap.String("path", event.Name))
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("template watcher error", zap.Error(err))
			}
		}
	}()
}

// Close stops watching. A started event loop exits after Close.
func (w *TemplateWatcher) Close() error {
	return w.watcher.Close()
}

// Done is closed once the event loop has exited.
func (w *TemplateWatcher) Done() <-chan struct{} {
	return w.done
}
