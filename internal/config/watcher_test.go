package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fictive-reality/voxstream/internal/config"
)

const watcherYAMLv1 = `
server:
  log_level: info
providers:
  primary:
    name: mock
`

const watcherYAMLv2 = `
server:
  log_level: debug
providers:
  primary:
    name: mock
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxstream.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("initial log level: got %q, want info", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxstream.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	var mu sync.Mutex
	var gotDiff *config.ConfigDiff
	onChange := func(old, new *config.Config, diff config.ConfigDiff) {
		mu.Lock()
		defer mu.Unlock()
		gotDiff = &diff
	}

	w, err := config.NewWatcher(path, onChange, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime so the rewrite is guaranteed to look newer.
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, path, watcherYAMLv2)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		d := gotDiff
		mu.Unlock()
		if d != nil {
			if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
				t.Errorf("unexpected diff: %+v", *d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for change callback")
		}
		time.Sleep(time.Millisecond)
	}

	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("current log level after reload: got %q, want debug", got)
	}
}

func TestWatcher_InvalidChangeKeepsOldConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxstream.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	changed := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config, _ config.ConfigDiff) {
		changed <- struct{}{}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, path, "server:\n  log_level: loud\nproviders:\n  primary:\n    name: mock\n")

	select {
	case <-changed:
		t.Fatal("callback fired for an invalid config")
	case <-time.After(100 * time.Millisecond):
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("current config changed despite invalid file: %q", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxstream.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
