// Package watch implements the "streamrec watch" command, which prints the
// receiver's live stats feed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/streamrec/internal/config"
	"github.com/sheerbytes/streamrec/internal/logging"
	"github.com/sheerbytes/streamrec/internal/wsclient"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// Run executes the command and returns the process exit code.
func Run(args []string) int {
	cfg, err := config.ParseWatchConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := logging.New("streamrec", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "watch failed:", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.WatchConfig, out io.Writer, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := wsclient.Dial(dialCtx, cfg.ServerURL, logger)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	err = conn.Snapshots(readCtx, func(snap protocol.StatsSnapshot) {
		printSnapshot(out, snap)
		if cfg.Once {
			stop()
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSnapshot(out io.Writer, snap protocol.StatsSnapshot) {
	fmt.Fprintf(out, "%s active=%d total=%s sessions=%d\n",
		snap.At.Format(time.TimeOnly), snap.ActiveSessions, formatBytes(snap.TotalBytes), snap.TotalSessions)
	for _, s := range snap.Sessions {
		fmt.Fprintf(out, "  %s %s written=%s rate=%s/s since=%s\n",
			s.SessionID, s.Name, formatBytes(s.BytesWritten), formatBytes(int64(s.RateBps)), s.StartedAt.Format(time.TimeOnly))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
