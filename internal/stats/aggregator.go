// Package stats keeps the process-wide usage counters and persists them to a
// JSON snapshot file.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultSaveInterval is how often a dirty snapshot is persisted.
const DefaultSaveInterval = 5 * time.Second

// ErrCorrupt is returned by Load when the snapshot file cannot be parsed.
var ErrCorrupt = errors.New("stats snapshot is corrupt")

// Snapshot is the persisted form of the counters.
type Snapshot struct {
	TotalBytes    int64 `json:"totalSizeBytes"`
	TotalSessions int64 `json:"totalSessions"`
}

// Aggregator accumulates byte and session totals. It is safe for concurrent
// use; its lock is independent of any session lock.
type Aggregator struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	snap  Snapshot
	dirty bool
}

// New returns an aggregator persisting to path. It holds zero totals until
// Load is called.
func New(path string, interval time.Duration, logger *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{path: path, interval: interval, logger: logger}
}

// AddBytes adds n to the byte total.
func (a *Aggregator) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.snap.TotalBytes += n
	a.dirty = true
	a.mu.Unlock()
}

// IncrementSessions counts one newly opened session.
func (a *Aggregator) IncrementSessions() {
	a.mu.Lock()
	a.snap.TotalSessions++
	a.dirty = true
	a.mu.Unlock()
}

// Snapshot returns the current totals.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Dirty reports whether there are unsaved changes.
func (a *Aggregator) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// Load replaces the in-memory totals with the snapshot file. A missing or
// empty file yields zero totals. A file that cannot be parsed returns an error
// wrapping ErrCorrupt and leaves the totals untouched.
func (a *Aggregator) Load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		// ENOTDIR: a parent is a regular file, so no snapshot can exist yet.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			a.reset()
			return nil
		}
		return fmt.Errorf("read stats %s: %w", a.path, err)
	}
	if len(data) == 0 {
		a.reset()
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, a.path, err)
	}
	if snap.TotalBytes < 0 || snap.TotalSessions < 0 {
		return fmt.Errorf("%w: %s: negative totals", ErrCorrupt, a.path)
	}

	a.mu.Lock()
	a.snap = snap
	a.dirty = false
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) reset() {
	a.mu.Lock()
	a.snap = Snapshot{}
	a.dirty = false
	a.mu.Unlock()
}

// Save persists the totals if they changed since the last save.
func (a *Aggregator) Save() error {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	snap := a.snap
	a.dirty = false
	a.mu.Unlock()

	if err := writeAtomicJSON(a.path, snap); err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		return err
	}
	return nil
}

// Run saves dirty totals every interval until ctx is done, then saves once
// more.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.Save(); err != nil {
				a.logger.Error("final stats save failed", "path", a.path, "error", err)
			}
			return
		case <-ticker.C:
			if err := a.Save(); err != nil {
				a.logger.Warn("stats save failed", "path", a.path, "error", err)
			}
		}
	}
}

func writeAtomicJSON(path string, value any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stats directory: %w", err)
	}
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
