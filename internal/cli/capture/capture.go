// Package capture implements the "streamrec capture" command: it records an
// encoded media stream as timesliced chunks and ships them to a receiver.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/sheerbytes/streamrec/internal/capture"
	"github.com/sheerbytes/streamrec/internal/clienthttp"
	"github.com/sheerbytes/streamrec/internal/config"
	"github.com/sheerbytes/streamrec/internal/logging"
	"github.com/sheerbytes/streamrec/internal/quicingest"
)

const progressInterval = 5 * time.Second

// Run executes the command and returns the process exit code.
func Run(args []string) int {
	cfg, err := config.ParseCaptureConfig(args)
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

	if err := run(ctx, cfg, os.Stdin, logger); err != nil {
		logger.Error("capture failed", "error", err)
		fmt.Fprintln(os.Stderr, "capture failed:", err)
		return 1
	}
	return 0
}

// sender is a capture.Transport that owns a connection.
type sender interface {
	capture.Transport
	io.Closer
}

type httpSender struct{ *clienthttp.Client }

func (httpSender) Close() error { return nil }

func openTransport(ctx context.Context, cfg config.CaptureConfig, startTS int64, logger *slog.Logger) (sender, error) {
	if cfg.QUICAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := quicingest.Dial(dialCtx, cfg.QUICAddr, logger)
		if err != nil {
			return nil, err
		}
		client.Name, client.Timestamp = cfg.Name, startTS
		return client, nil
	}
	client := clienthttp.New(cfg.ServerURL, capture.DefaultSendTimeout)
	client.Name, client.Timestamp = cfg.Name, startTS
	return httpSender{client}, nil
}

func openSource(cfg config.CaptureConfig, stdin io.Reader) (capture.Source, error) {
	if cfg.Command != "" {
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return nil, errors.New("empty --exec command")
		}
		return capture.NewCommandSource(fields[0], fields[1:]...), nil
	}
	if cfg.Input == "-" || cfg.Input == "" {
		// Reads from a pipe can be interrupted; reads from the process's
		// stdin cannot.
		pr, pw := io.Pipe()
		go func() {
			_, err := io.Copy(pw, stdin)
			pw.CloseWithError(err)
		}()
		return capture.NewStreamSource(pr), nil
	}
	f, err := os.Open(cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return capture.NewStreamSource(f), nil
}

func run(ctx context.Context, cfg config.CaptureConfig, stdin io.Reader, logger *slog.Logger) error {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	startTS := time.Now().UnixMilli()

	transport, err := openTransport(ctx, cfg, startTS, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	source, err := openSource(cfg, stdin)
	if err != nil {
		return err
	}

	producer := capture.NewProducer(source, transport, capture.Config{
		SessionID:     cfg.SessionID,
		Name:          cfg.Name,
		Timeslice:     cfg.Timeslice,
		MinChunkBytes: cfg.MinChunkBytes,
		MaxInFlight:   cfg.MaxInFlight,
		MaxDuration:   cfg.Duration,
		Logger:        logger,
	})

	logger.Info("capture starting", "session_id", cfg.SessionID, "name", cfg.Name, "timeslice", cfg.Timeslice)
	if err := producer.Start(ctx); err != nil {
		return err
	}
	reportProgress(producer, logger)
	err = producer.Wait()

	counters := producer.Counters()
	logger.Info("capture summary",
		"session_id", cfg.SessionID,
		"chunks_sent", counters.ChunksSent,
		"bytes_sent", counters.BytesSent,
		"chunks_discarded", counters.ChunksDiscarded,
		"chunks_ignored", counters.ChunksIgnored,
	)
	return err
}

// reportProgress logs the send rate until the producer finishes.
func reportProgress(p *capture.Producer, logger *slog.Logger) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.Done():
			return
		case <-ticker.C:
			stats := p.Progress()
			logger.Info("capture progress",
				"state", p.State(),
				"bytes_sent", stats.BytesDone,
				"chunks", stats.Chunks,
				"rate_bps", int64(stats.RateBps),
				"elapsed", stats.Elapsed.Round(time.Second),
			)
		}
	}
}
