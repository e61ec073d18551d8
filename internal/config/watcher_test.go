package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Nudge mtime forward so the poll's cheap check notices the write even
	// on filesystems with coarse timestamps.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxpipe.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("initial log level = %q", got)
	}
}

func TestWatcherInitialLoadFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxpipe.yaml")
	writeConfigFile(t, path, "server:\n  log_level: loud\n")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config, got nil")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxpipe.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	changed := make(chan config.LogLevel, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changed <- new.Server.LogLevel
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherUpdatedYAML)

	select {
	case level := <-changed:
		if level != config.LogDebug {
			t.Errorf("reloaded log level = %q", level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current after reload = %q", got)
	}
}

func TestWatcherKeepsPreviousOnInvalidEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxpipe.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		t.Error("onChange fired for an invalid config")
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: loud\n")
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current after invalid edit = %q", got)
	}
}
