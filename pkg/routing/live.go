package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/dormgate/pkg/observability"
)

// TableSource yields the route table in effect
type TableSource interface {
	Current() *Table
}

// Live holds the current route table and swaps it atomically on reload
type Live struct {
	current atomic.Pointer[Table]

	mu        sync.Mutex
	listeners []func(*Table)
}

// NewLive creates a holder starting with t
func NewLive(t *Table) *Live {
	l := &Live{}
	l.current.Store(t)
	return l
}

// Current returns the table in effect
func (l *Live) Current() *Table {
	return l.current.Load()
}

// Replace installs t and notifies reload listeners
func (l *Live) Replace(t *Table) {
	l.current.Store(t)

	l.mu.Lock()
	listeners := append([]func(*Table){}, l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// OnReload registers fn to run after every Replace
func (l *Live) OnReload(fn func(*Table)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Watch reloads the table whenever path changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// picked up. An invalid file is logged and the previous table kept.
func (l *Live) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve route table path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch route table: %w", err)
	}

	logger = logger.WithField("file", abs)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				t, err := Load(abs)
				if err != nil {
					logger.WithError(err).Warn("route table reload failed, keeping previous table")
					continue
				}
				l.Replace(t)
				logger.WithField("routes", len(t.Routes)).Info("route table reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("route table watcher error")
			}
		}
	}()
	return nil
}
