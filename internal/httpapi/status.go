package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

const bytesPerMB = 1024 * 1024

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"path": s.registry.Root(),
		"addr": s.listenAddr,
	})
}

var errTraversal = errors.New("path traversal not allowed")

// cleanDirectory returns the absolute form of raw. Inputs containing a ".."
// element are refused outright.
func cleanDirectory(raw string) (string, error) {
	if slices.Contains(strings.Split(filepath.ToSlash(raw), "/"), "..") {
		return "", errTraversal
	}
	return filepath.Abs(filepath.Clean(raw))
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if req.Path == "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "unchanged", "path": s.registry.Root()})
		return
	}

	dir, err := cleanDirectory(req.Path)
	if err != nil {
		s.logger.Warn("rejected recordings directory", "path", req.Path, "error", err)
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		sendError(w, http.StatusBadRequest, "directory does not exist")
		return
	}
	if !info.IsDir() {
		sendError(w, http.StatusBadRequest, "path must be a directory")
		return
	}

	if err := s.registry.SetRoot(dir); err != nil {
		s.logger.Error("failed to set recordings directory", "path", dir, "error", err)
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "path": dir})
}

type sessionView struct {
	SessionID    string  `json:"sessionId"`
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	StartTime    string  `json:"startTime"`
	DurationSec  int64   `json:"durationSec"`
	BytesWritten int64   `json:"bytesWritten"`
	SizeMB       float64 `json:"sizeMB"`
	RateBps      float64 `json:"rateBps"`
}

type statsResponse struct {
	ActiveRecordings int           `json:"activeRecordings"`
	ActiveSessions   []string      `json:"activeSessions"`
	TotalSizeMB      float64       `json:"totalSizeMB"`
	TotalSessions    int64         `json:"totalSessions"`
	Sessions         []sessionView `json:"sessions"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	infos := s.registry.Sessions()
	totals := s.stats.Snapshot()

	resp := statsResponse{
		ActiveRecordings: len(infos),
		ActiveSessions:   make([]string, 0, len(infos)),
		TotalSizeMB:      float64(totals.TotalBytes) / bytesPerMB,
		TotalSessions:    totals.TotalSessions,
		Sessions:         make([]sessionView, 0, len(infos)),
	}
	for _, info := range infos {
		resp.ActiveSessions = append(resp.ActiveSessions, info.SessionID)
		resp.Sessions = append(resp.Sessions, sessionView{
			SessionID:    info.SessionID,
			Name:         info.Name,
			Path:         info.Path,
			StartTime:    info.StartedAt.Format("2006-01-02 15:04:05"),
			DurationSec:  int64(now.Sub(info.StartedAt).Seconds()),
			BytesWritten: info.BytesWritten,
			SizeMB:       float64(info.BytesWritten) / bytesPerMB,
			RateBps:      info.RateBps,
		})
	}
	slices.Sort(resp.ActiveSessions)
	s.writeJSON(w, http.StatusOK, resp)
}

// Snapshot builds the live feed payload.
func (s *Server) Snapshot() protocol.StatsSnapshot {
	infos := s.registry.Sessions()
	totals := s.stats.Snapshot()
	return protocol.StatsSnapshot{
		ActiveSessions: len(infos),
		TotalBytes:     totals.TotalBytes,
		TotalSessions:  totals.TotalSessions,
		Sessions:       toSessionStats(infos),
		At:             s.now(),
	}
}

func toSessionStats(infos []recorder.Info) []protocol.SessionStats {
	out := make([]protocol.SessionStats, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.SessionStats{
			SessionID:    info.SessionID,
			Name:         info.Name,
			Path:         info.Path,
			StartedAt:    info.StartedAt,
			BytesWritten: info.BytesWritten,
			Chunks:       info.Chunks,
			RateBps:      info.RateBps,
		})
	}
	return out
}
