package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a newly loaded configuration together with what
// changed relative to the one it replaces.
type ReloadFunc func(cfg *Config, d ConfigDiff)

// Watcher keeps the configuration in a file current. It polls the file's
// size and modification time and reloads when either moves. A reload that
// fails to parse or validate is logged and the previous configuration stays
// current. A reload that parses to an equivalent configuration (comment or
// formatting edits, a touch) updates nothing and does not call back.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	// reloadMu serialises reloads so callbacks see diffs in file order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	cancel context.CancelFunc
	done   chan struct{}
}

type fileStamp struct {
	size  int64
	mtime time.Time
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), mtime: info.ModTime()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it until ctx is done or Stop is
// called. onReload may be nil.
func NewWatcher(ctx context.Context, path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stampOf(info)

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the watch loop and waits for it to exit. It is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.moved() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
			}
		}
	}
}

// moved reports whether the file's size or modification time differ from
// the last reload.
func (w *Watcher) moved() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return stampOf(info) != w.stamp
}

// Reload reads the file now. On success the loaded configuration becomes
// current and the returned diff describes what changed; the callback runs
// when the diff is not empty. On error nothing changes.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, fmt.Errorf("config: reload: %w", err)
	}
	cfg, err := Load(w.path)
	if err != nil {
		// Remember the stamp so a broken file is reported once, not every tick.
		w.mu.Lock()
		w.stamp = stampOf(info)
		w.mu.Unlock()
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	d := Diff(w.current, cfg)
	w.current = cfg
	w.stamp = stampOf(info)
	w.mu.Unlock()

	if d.Empty() {
		return d, nil
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"connection_changed", d.ConnectionChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(cfg, d)
	}
	return d, nil
}
