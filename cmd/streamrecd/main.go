package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/streamrec/internal/catalog"
	"github.com/sheerbytes/streamrec/internal/config"
	"github.com/sheerbytes/streamrec/internal/feed"
	"github.com/sheerbytes/streamrec/internal/httpapi"
	"github.com/sheerbytes/streamrec/internal/logging"
	"github.com/sheerbytes/streamrec/internal/quicingest"
	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/internal/stats"
)

const serverVersion = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if hasVersionFlag(args) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return 0
	}
	cfg, err := config.ParseServerConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, closeLog, err := logging.Open("streamrecd", cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	agg := stats.New(cfg.StatsPath(), cfg.SaveInterval, logger)
	if err := agg.Load(); err != nil {
		if !errors.Is(err, stats.ErrCorrupt) || !cfg.StatsReset {
			return fmt.Errorf("load stats (use --stats-reset to start from zero): %w", err)
		}
		logger.Warn("stats snapshot is corrupt, starting from zero", "path", cfg.StatsPath(), "error", err)
	}

	var (
		sessionCatalog recorder.Catalog
		lister         httpapi.RecordingLister
	)
	if path := cfg.CatalogFile(); path != "" {
		cat, err := catalog.Open(ctx, path)
		if err != nil {
			logger.Warn("recordings catalog unavailable, continuing without it", "path", path, "error", err)
		} else {
			defer cat.Close()
			sessionCatalog, lister = cat, cat
		}
	}

	registry := recorder.New(recorder.Options{
		Root:       cfg.RecordingsDir,
		Extension:  cfg.Extension,
		StoppedTTL: cfg.StoppedTTL,
		Stats:      agg,
		Catalog:    sessionCatalog,
		Logger:     logger,
	})

	api := httpapi.New(httpapi.Options{
		Registry:        registry,
		Stats:           agg,
		Catalog:         lister,
		Hub:             feed.NewHub(),
		Logger:          logger,
		AllowedOrigin:   cfg.AllowedOrigin,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ListenAddr:      cfg.Addr,
	})

	// Background work outlives ctx only until shutdown cancels bgCtx.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		agg.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		api.RunFeed(bgCtx, cfg.FeedInterval)
	}()

	var quicServer *quicingest.Server
	if cfg.QUICAddr != "" {
		var err error
		quicServer, err = quicingest.Listen(cfg.QUICAddr, registry, cfg.MaxMessageBytes, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := quicServer.Serve(bgCtx); err != nil {
				logger.Error("QUIC server failed", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("server started",
		"addr", cfg.Addr,
		"quic_addr", cfg.QUICAddr,
		"recordings_dir", registry.Root(),
		"stats_file", cfg.StatsPath(),
		"catalog", cfg.CatalogFile(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if quicServer != nil {
		quicServer.Close()
	}

	// Sessions whose Stop never arrived are closed here.
	if n := registry.CloseAll(shutdownCtx); n > 0 {
		logger.Warn("closed unfinished recordings", "count", n)
	}

	cancelBg()
	wg.Wait()
	if err := agg.Save(); err != nil {
		logger.Error("final stats save failed", "error", err)
	}
	return serveErr
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
