package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadRules replaces the engine's rule set with the contents of path.
func (e *Engine) LoadRules(path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return err
	}
	return e.ReplaceRules(rules)
}

// RuleWatcher reloads a rule file into an engine whenever it changes on disk.
// A file that fails to parse leaves the previous rule set in place.
type RuleWatcher struct {
	path    string
	engine  *Engine
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	reloads chan error
}

// NewRuleWatcher watches the directory containing path so that editors
// which replace the file via rename are still observed.
func NewRuleWatcher(path string, engine *Engine, logger *slog.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &RuleWatcher{
		path:    abs,
		engine:  engine,
		logger:  logger,
		watcher: watcher,
		reloads: make(chan error, 16),
	}, nil
}

// Reloads delivers the outcome of each reload attempt. Sends are dropped
// when nobody is reading.
func (w *RuleWatcher) Reloads() <-chan error {
	return w.reloads
}

// Run processes filesystem events until ctx is cancelled.
func (w *RuleWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule watcher error", "error", err)
		}
	}
}

func (w *RuleWatcher) reload() {
	err := w.engine.LoadRules(w.path)
	if err != nil {
		w.logger.Error("failed to reload correlation rules", "path", w.path, "error", err)
	} else {
		w.logger.Info("reloaded correlation rules", "path", w.path)
	}

	select {
	case w.reloads <- err:
	default:
	}
}
