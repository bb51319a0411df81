package protocol

import "time"

// Error represents an error message on the stats feed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionStats is the monitoring view of one active session. It never
// exposes the underlying file handle.
type SessionStats struct {
	SessionID    string    `json:"sessionId"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	StartedAt    time.Time `json:"startedAt"`
	BytesWritten int64     `json:"bytesWritten"`
	Chunks       int64     `json:"chunks"`
	RateBps      float64   `json:"rateBps"`
}

// StatsSnapshot is pushed periodically to feed subscribers.
type StatsSnapshot struct {
	ActiveSessions int            `json:"activeSessions"`
	TotalBytes     int64          `json:"totalSizeBytes"`
	TotalSessions  int64          `json:"totalSessions"`
	Sessions       []SessionStats `json:"sessions"`
	At             time.Time      `json:"at"`
}
