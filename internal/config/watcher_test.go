package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/audiocast/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
capture:
  source: sine
pipeline:
  send_timeout: 250ms
`

const watcherUpdatedYAML = `
server:
  log_level: debug
capture:
  source: sine
pipeline:
  send_timeout: 100ms
  session_buffer: 32
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// changeLog collects watcher callbacks.
type changeLog struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	olds  []*config.Config
}

func (c *changeLog) record(old, _ *config.Config, d config.ConfigDiff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffs = append(c.diffs, d)
	c.olds = append(c.olds, old)
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diffs)
}

// newWatchedFile writes content to a temp config file and returns a watcher
// on it.
func newWatchedFile(t *testing.T, content string, opts ...config.WatcherOption) (string, *config.Watcher, *changeLog) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	log := &changeLog{}
	w, err := config.NewWatcher(path, log.record, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w, log
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := newWatchedFile(t, watcherValidYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Pipeline.SendTimeout != 250*time.Millisecond {
		t.Errorf("send_timeout = %v, want 250ms", cfg.Pipeline.SendTimeout)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for an invalid file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rewrite     string
		wantErr     bool
		wantChanged bool
		wantLevel   config.LogLevel
	}{
		{
			name:        "hot and restart-only fields",
			rewrite:     watcherUpdatedYAML,
			wantChanged: true,
			wantLevel:   config.LogDebug,
		},
		{
			name:      "identical bytes",
			rewrite:   watcherValidYAML,
			wantLevel: config.LogInfo,
		},
		{
			name:      "spelled-out default",
			rewrite:   watcherValidYAML + "  shutdown_grace: 5s\n",
			wantLevel: config.LogInfo,
		},
		{
			name:      "invalid edit keeps previous config",
			rewrite:   watcherInvalidYAML,
			wantErr:   true,
			wantLevel: config.LogInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, log := newWatchedFile(t, watcherValidYAML)
			writeFile(t, path, tt.rewrite)

			d, err := w.Reload()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Reload error = %v, wantErr %v", err, tt.wantErr)
			}
			if d.Changed() != tt.wantChanged {
				t.Errorf("diff.Changed() = %v, want %v (%+v)", d.Changed(), tt.wantChanged, d)
			}
			if got := w.Current().Server.LogLevel; got != tt.wantLevel {
				t.Errorf("Current log_level = %q, want %q", got, tt.wantLevel)
			}

			wantCalls := 0
			if tt.wantChanged {
				wantCalls = 1
			}
			if log.len() != wantCalls {
				t.Errorf("callbacks = %d, want %d", log.len(), wantCalls)
			}
			if w.Reloads() != uint64(wantCalls) {
				t.Errorf("Reloads() = %d, want %d", w.Reloads(), wantCalls)
			}
			wantRejected := uint64(0)
			if tt.wantErr {
				wantRejected = 1
			}
			if w.Rejected() != wantRejected {
				t.Errorf("Rejected() = %d, want %d", w.Rejected(), wantRejected)
			}
		})
	}
}

func TestWatcher_ReloadDiff(t *testing.T) {
	t.Parallel()
	path, w, log := newWatchedFile(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)

	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q, want true/debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SendTimeoutChanged || d.NewSendTimeout != 100*time.Millisecond {
		t.Errorf("send timeout diff = %v/%v, want true/100ms", d.SendTimeoutChanged, d.NewSendTimeout)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "pipeline.session_buffer" {
		t.Errorf("RestartRequired = %v, want [pipeline.session_buffer]", d.RestartRequired)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if got := log.olds[0].Server.LogLevel; got != config.LogInfo {
		t.Errorf("callback old log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_RunPicksUpEdits(t *testing.T) {
	t.Parallel()
	path, w, log := newWatchedFile(t, watcherValidYAML, config.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// An invalid edit is rejected once, not on every poll.
	replaceFile(t, path, watcherInvalidYAML, time.Second)
	waitUntil(t, func() bool { return w.Rejected() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := w.Rejected(); got != 1 {
		t.Errorf("Rejected() = %d after idle polls, want 1", got)
	}

	replaceFile(t, path, watcherUpdatedYAML, 2*time.Second)
	waitUntil(t, func() bool { return log.len() == 1 })
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log_level = %q, want %q", got, config.LogDebug)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_TouchDoesNotNotify(t *testing.T) {
	t.Parallel()
	path, w, log := newWatchedFile(t, watcherValidYAML, config.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck // always nil

	bump(t, path, time.Second)
	time.Sleep(100 * time.Millisecond)
	if log.len() != 0 {
		t.Errorf("callbacks = %d for a touch, want 0", log.len())
	}
}

// bump moves the file's mtime forward so coarse filesystem timestamps still
// register the edit.
func bump(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// replaceFile swaps in new content with an mtime shifted by age in one
// rename, so a poll never sees the content and timestamp apart.
func replaceFile(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	bump(t, tmp, age)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
