package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger configured with the given level, format and
// optional file output. Supported formats are "json" (default) and
// "text"; supported levels are "debug", "info" (default), "warn", and
// "error". When filePath is non-empty, records go to both stdout and
// the file (io.MultiWriter); the returned io.Closer must be called on
// shutdown to flush and close the file. If filePath is empty, the
// returned Closer is a no-op.
func New(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
