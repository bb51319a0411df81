package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/streamrec/internal/config"
)

func TestServe_UnusableRecordingsDirIsNotFatal(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := config.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RecordingsDir = filepath.Join(blocker, "recordings")
	cfg.ShutdownTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := serve(ctx, cfg, logger); err != nil {
		t.Fatalf("serve() error = %v, want clean shutdown", err)
	}
}
