// internal/config/watch.go
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize config watcher")

// Watcher reloads the config file when it changes on disk. Only successfully
// validated configs are delivered; load failures go to Errors and the
// previous config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	updates chan *Config
	errs    chan error
	stop    chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		path:    abs,
		watcher: fw,
		updates: make(chan *Config, 1),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
	}, nil
}

// Start watches the parent directory so editor rename-and-replace saves are
// seen as well as in-place writes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}
	go w.loop(ctx)
	return nil
}

// Updates delivers freshly loaded configs.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

// Errors delivers reload failures.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Stop releases the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadWithFile(w.path)
			if err != nil {
				w.send(nil, err)
				continue
			}
			w.send(cfg, nil)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(nil, err)
		}
	}
}

// send replaces any undelivered value so consumers always see the latest.
func (w *Watcher) send(cfg *Config, err error) {
	if err != nil {
		select {
		case <-w.errs:
		default:
		}
		select {
		case w.errs <- err:
		default:
		}
		return
	}
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- cfg:
	default:
	}
}
