package progress

import (
	"sync"
	"time"
)

// idleAfter is how long a meter may go without writes before its rate is
// reported as zero.
const idleAfter = 5 * time.Second

// Stats represents a point-in-time snapshot of an open-ended byte stream.
type Stats struct {
	BytesDone int64
	Chunks    int64
	RateBps   float64
	StartedAt time.Time
	LastAt    time.Time
	Elapsed   time.Duration
}

// Meter tracks bytes written to a stream of unknown length and computes a
// smoothed write rate.
type Meter struct {
	mu        sync.Mutex
	done      int64
	chunks    int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a started meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a started meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	started := now()
	return &Meter{alpha: 0.2, now: now, startedAt: started, lastAt: started}
}

// Add records one chunk of n bytes.
func (m *Meter) Add(n int) {
	if n < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	m.chunks++
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	stats := Stats{
		BytesDone: m.done,
		Chunks:    m.chunks,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
		LastAt:    m.lastAt,
		Elapsed:   now.Sub(m.startedAt),
	}
	if now.Sub(m.lastAt) > idleAfter {
		stats.RateBps = 0
	}
	return stats
}
