package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// New creates a new structured logger with text output.
// app: application name (e.g., "streamrecd")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return newLogger(os.Stdout, app, level)
}

// Open is New plus a copy of every record appended to
// <dir>/<app>_<YYYY-MM-DD>.log. An empty dir behaves like New. The returned
// close func releases the file.
func Open(app, level, dir string) (*slog.Logger, func() error, error) {
	if dir == "" {
		return New(app, level), func() error { return nil }, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	path := FilePath(dir, app, time.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return newLogger(io.MultiWriter(os.Stdout, f), app, level), f.Close, nil
}

// FilePath names the daily log file for app.
func FilePath(dir, app string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", app, day.Format("2006-01-02")))
}

func newLogger(w io.Writer, app, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	handler := slog.NewTextHandler(w, opts)
	logger := slog.New(handler)

	// Add default attributes: app and pid
	return logger.With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
