package watch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/streamrec/internal/config"
	"github.com/sheerbytes/streamrec/internal/httpapi"
	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/internal/stats"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KiB"},
		{1536, "1.5KiB"},
		{5 * 1024 * 1024, "5.0MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	printSnapshot(&buf, protocol.StatsSnapshot{
		ActiveSessions: 1,
		TotalBytes:     2048,
		TotalSessions:  4,
		At:             at,
		Sessions: []protocol.SessionStats{
			{SessionID: "7", Name: "demo", BytesWritten: 512, StartedAt: at},
		},
	})
	out := buf.String()
	for _, want := range []string{"active=1", "total=2.0KiB", "sessions=4", "7 demo", "written=512B"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_Once(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := stats.New(filepath.Join(dir, "stats.json"), time.Hour, logger)
	reg := recorder.New(recorder.Options{Root: dir, Stats: agg, Logger: logger})
	if _, err := reg.Ingest(context.Background(), protocol.Data{SessionID: "9", Name: "live", Timestamp: 1, Payload: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	srv := httpapi.New(httpapi.Options{Registry: reg, Stats: agg, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var buf bytes.Buffer
	if err := run(ctx, config.WatchConfig{ServerURL: ts.URL, Once: true}, &buf, logger); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(buf.String(), "active=1") || !strings.Contains(buf.String(), "9 live") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestRun_NoServer(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	err := run(context.Background(), config.WatchConfig{ServerURL: url}, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("run() should fail without a receiver")
	}
}
