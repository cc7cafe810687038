package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/tablecall/internal/config"
)

func writeConfig(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestNewWatcher_InvalidInitialConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "businesses: []\n", time.Now())
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected error for an invalid initial config")
	}
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	start := time.Now().Add(-time.Hour)
	writeConfig(t, path, validYAML, start)

	type change struct{ old, new *config.Config }
	changes := make(chan change, 4)
	w, err := config.NewWatcher(path, func(_ context.Context, old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid edit keeps the previous config.
	writeConfig(t, path, "log: {level: loud}\n", start.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if w.Current().Log.Level != config.LogInfo {
		t.Fatalf("invalid edit replaced the config: %+v", w.Current().Log)
	}

	writeConfig(t, path, strings.Replace(validYAML, "level: info", "level: debug", 1), start.Add(2*time.Minute))
	select {
	case c := <-changes:
		if c.old.Log.Level != config.LogInfo || c.new.Log.Level != config.LogDebug {
			t.Errorf("change = %q -> %q", c.old.Log.Level, c.new.Log.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	if w.Current().Log.Level != config.LogDebug {
		t.Errorf("Current().Log.Level = %q, want debug", w.Current().Log.Level)
	}

	// Touching the file without changing it reports nothing.
	writeConfig(t, path, strings.Replace(validYAML, "level: info", "level: debug", 1), start.Add(3*time.Minute))
	select {
	case c := <-changes:
		t.Errorf("unexpected change for identical content: %+v", c.new.Log)
	case <-time.After(100 * time.Millisecond):
	}
}
