package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and hands the hot-reloadable difference of
// every valid edit to an apply function. The file is re-read only when its
// modification time moves, and an edit that leaves the content hash or the
// effective configuration unchanged (a touch, a comment) applies nothing.
// Environment overrides are re-applied on every reload.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(ConfigDiff)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a Watcher that applies later edits
// through apply. Polling starts with [Watcher.Run].
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.hash = snap.cfg, snap.mtime, snap.hash
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		// Keep the last valid config; the next edit gets another chance.
		slog.Warn("config watcher: rejected edit", "path", w.path, "err", err)
		w.mu.Lock()
		w.mtime = info.ModTime()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	if d.Empty() {
		slog.Debug("config watcher: edit has no effect", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"restart_required", d.RestartRequired,
	)
	if w.apply != nil {
		w.apply(d)
	}
}

// fileSnapshot is one validated read of the config file.
type fileSnapshot struct {
	cfg   *Config
	mtime time.Time
	hash  [sha256.Size]byte
}

// read loads, overlays and validates the file. An invalid file is an error
// and leaves the watcher's state untouched.
func (w *Watcher) read() (fileSnapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileSnapshot{}, err
	}
	return fileSnapshot{cfg: cfg, mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
