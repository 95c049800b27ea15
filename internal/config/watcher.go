package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// ChangeFunc is called after a modified config file has been loaded and
// validated. d is never empty.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher reloads a config file when it changes on disk or when
// [Watcher.Reload] is called. An edit that fails to parse or validate is
// logged and counted, and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	// mu serialises reloads; current and the file fingerprint change together.
	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	reloads  atomic.Uint64
	rejected atomic.Uint64
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often [Watcher.Run] looks at the file. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config_watcher", "path", path)

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads reports how many edits were applied.
func (w *Watcher) Reloads() uint64 { return w.reloads.Load() }

// Rejected reports how many edits failed to load and were ignored.
func (w *Watcher) Rejected() uint64 { return w.rejected.Load() }

// Run polls the file until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.modified() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				w.log.Warn("ignoring invalid config edit, keeping previous config", "err", err)
			}
		}
	}
}

// modified is a cheap pre-check so an idle poll does not read the file.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("cannot stat config file", "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.stamp.mtime) || info.Size() != w.stamp.size
}

// Reload reads the file now, whether or not it looks modified, and applies
// it if its effective content changed. It returns the applied diff, which is
// empty when nothing changed. On error the current config is kept.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.mu.Lock()
	cfg, stamp, err := w.read()
	if err != nil {
		// Remember the rejected version so polling does not retry it.
		if !stamp.mtime.IsZero() {
			w.stamp.mtime, w.stamp.size = stamp.mtime, stamp.size
		}
		w.mu.Unlock()
		w.rejected.Add(1)
		return ConfigDiff{}, err
	}
	sameBytes := stamp.sum == w.stamp.sum
	w.stamp = stamp
	if sameBytes {
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		// Formatting or spelled-out defaults.
		return d, nil
	}
	w.reloads.Add(1)
	w.log.Info("configuration reloaded",
		"log_level_changed", d.LogLevelChanged,
		"send_timeout_changed", d.SendTimeoutChanged,
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("some config changes only take effect after a restart", "keys", d.RestartRequired)
	}
	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return d, nil
}

// read loads the file. The returned stamp carries mtime and size even when
// the content is invalid.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: info.Size()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	stamp.sum = sha256.Sum256(data)
	return cfg, stamp, nil
}
