// Package httpapi serves the receiver's HTTP surface: chunk ingestion,
// recording queries, runtime config, stats and the live stats feed.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sheerbytes/streamrec/internal/catalog"
	"github.com/sheerbytes/streamrec/internal/feed"
	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/internal/stats"
)

const defaultMaxMessageBytes = 32 * 1024 * 1024

// StatsSource exposes the persistent totals. It is satisfied by
// *stats.Aggregator.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// RecordingLister lists finished recordings. It is satisfied by
// *catalog.Catalog.
type RecordingLister interface {
	List(ctx context.Context, limit int) ([]catalog.Entry, error)
}

// Options configures a Server. Registry and Stats are required.
type Options struct {
	Registry        *recorder.Registry
	Stats           StatsSource
	Catalog         RecordingLister
	Hub             *feed.Hub
	Logger          *slog.Logger
	AllowedOrigin   string
	MaxMessageBytes int64
	// ListenAddr is reported by GET /api/config.
	ListenAddr string
	Now        func() time.Time
}

// Server holds the handler dependencies.
type Server struct {
	registry        *recorder.Registry
	stats           StatsSource
	catalog         RecordingLister
	hub             *feed.Hub
	logger          *slog.Logger
	allowedOrigin   string
	maxMessageBytes int64
	listenAddr      string
	now             func() time.Time
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		registry:        opts.Registry,
		stats:           opts.Stats,
		catalog:         opts.Catalog,
		hub:             opts.Hub,
		logger:          opts.Logger,
		allowedOrigin:   opts.AllowedOrigin,
		maxMessageBytes: opts.MaxMessageBytes,
		listenAddr:      opts.ListenAddr,
		now:             opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.hub == nil {
		s.hub = feed.NewHub()
	}
	if s.allowedOrigin == "" {
		s.allowedOrigin = "*"
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Handler returns the routed handler wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/recordings", s.handleIngest)
	mux.HandleFunc("GET /api/recordings", s.handleListRecordings)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSetConfig)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/ws", s.handleFeed)
	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
