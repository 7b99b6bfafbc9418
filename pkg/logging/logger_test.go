package logging

import (
	"os"
	"strings"
	"sync"
	"testing"
)

// setupTestDir points the package at a temporary log directory and resets
// global state
func setupTestDir(t *testing.T) (cleanup func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "warden-logging-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	// Burn the init once so initLogDirectory keeps our directory
	initOnce = sync.Once{}
	initOnce.Do(func() {})
	logDir = tempDir
	initErr = nil
	runID = ""
	runIDOnce = sync.Once{}

	// Cleanup leaves the package pristine so the next caller, test or
	// not, re-initializes from scratch.
	return func() {
		logDir = ""
		initErr = nil
		runID = ""
		initOnce = sync.Once{}
		runIDOnce = sync.Once{}

		os.RemoveAll(tempDir)
	}
}

func TestNewLogger(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test-component")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "test-component" {
		t.Errorf("Expected component 'test-component', got %q", logger.component)
	}

	if logger.runID == "" {
		t.Error("Expected non-empty run ID")
	}

	if logger.logPath == "" {
		t.Error("Expected non-empty log path")
	}

	if _, err := os.Stat(logger.logPath); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.logPath)
	}
}

func TestLoggerLevels(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("levels")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	logger.Warnf("warn %d", 3)
	logger.Errorf("error %d", 4)
	logger.Close()

	data, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	content := string(data)

	for _, want := range []string{
		"[DEBUG] debug 1",
		"[INFO] info 2",
		"[WARN] warn 3",
		"[ERROR] error 4",
		"[levels]",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("Log output missing %q:\n%s", want, content)
		}
	}
}

func TestSharedRunID(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	first, err := NewLogger("first")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer first.Close()

	second, err := NewLogger("second")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer second.Close()

	if first.RunID() != second.RunID() {
		t.Errorf("Expected both loggers to share a run ID, got %q and %q", first.RunID(), second.RunID())
	}

	if first.LogPath() != second.LogPath() {
		t.Errorf("Expected both components to share a log file, got %q and %q", first.LogPath(), second.LogPath())
	}
}

func TestLoggerWriter(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("writer")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	// Raw writes land in the same run log as formatted entries, so
	// subprocess output can share the timeline
	if _, err := logger.Writer().Write([]byte("driver said hello\n")); err != nil {
		t.Fatalf("Write through Writer failed: %v", err)
	}
	logger.Infof("after raw write")
	logger.Close()

	data, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "driver said hello") {
		t.Errorf("Log output missing raw write:\n%s", content)
	}
	if !strings.Contains(content, "after raw write") {
		t.Errorf("Log output missing formatted entry:\n%s", content)
	}
}

func TestLoggerCloseIdempotent(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("close")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}
