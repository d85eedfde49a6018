package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a YAML overlay file, re-running LoadFile on every
// write event and handing the result to OnReload. It also tolerates
// watching a sessions.json index file for out-of-process readers (the
// doctor CLI) that only need to know a write occurred.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(*Config, error)

	mu     sync.Mutex
	closed bool
}

// NewWatcher starts watching configPath (and any extra paths) for writes.
// onReload is invoked with the freshly loaded Config (or the load error)
// each time configPath changes; extra paths only trigger a log line since
// they have no typed representation here.
func NewWatcher(configPath string, onReload func(*Config, error), extra ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := fw.Add(configPath); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	for _, p := range extra {
		if p == "" {
			continue
		}
		if err := fw.Add(p); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		watcher:  fw,
		logger:   slog.Default().With("component", "config.watcher"),
		onReload: onReload,
	}
	go w.loop(configPath)
	return w, nil
}

func (w *Watcher) loop(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Name != configPath {
				w.logger.Info("watched file changed", "path", event.Name)
				continue
			}
			cfg, err := LoadFile(configPath)
			if err != nil {
				w.logger.Warn("config reload failed", "path", configPath, "error", err)
			} else {
				w.logger.Info("config reloaded", "path", configPath)
			}
			if w.onReload != nil {
				w.onReload(cfg, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
