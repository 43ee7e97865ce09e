package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTransferTraceDisabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewTransferTrace(base, "", "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when traceDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewTransferTraceCreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, tracePath, err := NewTransferTrace(base, dir, "job-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPath := filepath.Join(dir, "job-abc.log")
	if tracePath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, tracePath)
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("reading transfer trace file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in trace file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in trace file: %s", content)
	}
}

func TestNewTransferTraceDebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, tracePath, err := NewTransferTrace(base, dir, "job-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(tracePath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from trace file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from trace file: %s", content)
	}
}

func TestRemoveTransferTrace(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "job-to-remove.log")
	if err := os.WriteFile(tracePath, []byte("test"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := os.Stat(tracePath); os.IsNotExist(err) {
		t.Fatal("setup failed: trace file not created")
	}

	RemoveTransferTrace(dir, "job-to-remove")

	if _, err := os.Stat(tracePath); !os.IsNotExist(err) {
		t.Error("transfer trace file should have been removed")
	}
}

func TestRemoveTransferTraceNoOpWhenEmpty(t *testing.T) {
	RemoveTransferTrace("", "job")
}

func TestRemoveTransferTraceNoOpWhenFileMissing(t *testing.T) {
	RemoveTransferTrace(t.TempDir(), "nonexistent-job")
}

func TestNewTransferTraceWithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, tracePath, err := NewTransferTrace(base, dir, "job-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("job", "job-attrs", "mode", "parallel")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "job-attrs") {
		t.Error("job attr missing from base handler")
	}

	data, _ := os.ReadFile(tracePath)
	content := string(data)
	if !strings.Contains(content, "job-attrs") {
		t.Errorf("job attr missing from trace file: %s", content)
	}
	if !strings.Contains(content, "parallel") {
		t.Errorf("mode attr missing from trace file: %s", content)
	}
}
