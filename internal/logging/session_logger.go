package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. NewTransferTrace uses it to write simultaneously to the
// process-wide logger and to a trace file scoped to one transfer.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the trace file must never suppress the
	// process-wide log record.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewTransferTrace returns a logger that writes to both baseLogger and a
// dedicated trace file for one transfer, at:
//
//	{traceDir}/{jobID}.log
//
// It returns the combined logger, an io.Closer that must be called
// (defer) once the transfer finishes, and the trace file's path
// (traceDir joined with the file name). The worker pool uses this to capture a full debug trail for a
// job that is about to be retried or dead-lettered, without paying the
// cost of debug-level logging for every job in the common case.
//
// If traceDir is empty, NewTransferTrace is a no-op and returns
// baseLogger unmodified.
func NewTransferTrace(baseLogger *slog.Logger, traceDir, jobID string) (*slog.Logger, io.Closer, string, error) {
	if traceDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(traceDir, 0o755); err != nil {
		return nil, nil, "", fmt.Errorf("creating transfer trace directory %s: %w", traceDir, err)
	}

	tracePath := filepath.Join(traceDir, jobID+".log")
	f, err := os.OpenFile(tracePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening transfer trace file %s: %w", tracePath, err)
	}

	// The trace file always captures at debug level regardless of the
	// process-wide level, since its whole purpose is postmortem detail.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})

	combined := &fanOutHandler{primary: baseLogger.Handler(), secondary: fileHandler}
	return slog.New(combined), f, tracePath, nil
}

// RemoveTransferTrace deletes a finished transfer's trace file. It is a
// no-op when traceDir is empty or the file doesn't exist — callers use
// this after a job completes successfully so only failed or retried
// transfers leave a trace behind.
func RemoveTransferTrace(traceDir, jobID string) {
	if traceDir == "" {
		return
	}
	_ = os.Remove(filepath.Join(traceDir, jobID+".log"))
}
