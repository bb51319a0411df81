package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/streamrec/internal/progress"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// StatsSink receives the aggregate counters. It is satisfied by
// *stats.Aggregator.
type StatsSink interface {
	AddBytes(n int64)
	IncrementSessions()
}

// Catalog records finished sessions. It is satisfied by *catalog.Catalog.
type Catalog interface {
	RecordSession(ctx context.Context, s Summary) error
}

// State is the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Info is the monitoring view of a session.
type Info struct {
	SessionID      string
	Name           string
	Path           string
	StartTimestamp int64
	StartedAt      time.Time
	BytesWritten   int64
	Chunks         int64
	RateBps        float64
	State          State
}

// Summary describes a finished session.
type Summary struct {
	Info
	EndedAt time.Time
	Digest  string
}

// Result is returned for every accepted message.
type Result struct {
	Kind      protocol.Kind
	SessionID string
	// Bytes is the session's running byte count after the message.
	Bytes int64
	// Created is set on the Data message that opened the session's file.
	Created bool
	// Closed is set on the Stop message that closed the file. A repeated
	// Stop returns Closed == false.
	Closed bool
}

type session struct {
	id             string
	name           string
	path           string
	startTimestamp int64
	startedAt      time.Time
	handle         *fileHandle
	bytes          atomic.Int64
	meter          *progress.Meter
}

func (s *session) info(state State) Info {
	snap := s.meter.Snapshot()
	return Info{
		SessionID:      s.id,
		Name:           s.name,
		Path:           s.path,
		StartTimestamp: s.startTimestamp,
		StartedAt:      s.startedAt,
		BytesWritten:   s.bytes.Load(),
		Chunks:         snap.Chunks,
		RateBps:        snap.RateBps,
		State:          state,
	}
}

// Options configures a Registry.
type Options struct {
	// Root is the directory new recordings are created in.
	Root string
	// Extension is the recording file extension (default ".webm").
	Extension string
	// StoppedTTL bounds how long a stopped session id keeps rejecting Data.
	// Zero keeps the rejection for the life of the process, so the registry
	// then holds one small tombstone per finished session until restart.
	// With a positive TTL expired tombstones are swept as sessions stop.
	StoppedTTL time.Duration
	Stats      StatsSink
	Catalog    Catalog
	Logger     *slog.Logger
	Now        func() time.Time
}

// Registry maps session ids to their open file handles. At most one handle
// exists per session id; Data for a stopped session is rejected.
type Registry struct {
	root       rootDir
	ext        string
	stoppedTTL time.Duration
	stats      StatsSink
	catalog    Catalog
	logger     *slog.Logger
	now        func() time.Time

	active sync.Map // session id -> *session

	// createMu serializes handle creation against Stop so a Data message can
	// never reopen a file for a session that has just been stopped.
	createMu  sync.Mutex
	stopped   map[string]time.Time
	lastSweep time.Time
}

// New creates a registry. A root directory that cannot be created is logged
// and reported again when the first session tries to open a file.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ext := opts.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	r := &Registry{
		ext:        ext,
		stoppedTTL: opts.StoppedTTL,
		stats:      opts.Stats,
		catalog:    opts.Catalog,
		logger:     logger,
		now:        now,
		stopped:    make(map[string]time.Time),
	}
	r.root.set(opts.Root)
	if err := ensureDirectory(opts.Root); err != nil {
		logger.Warn("failed to create recordings directory", "dir", opts.Root, "error", err)
	}
	return r
}

// Ingest applies one decoded chunk message.
func (r *Registry) Ingest(ctx context.Context, msg protocol.Message) (Result, error) {
	if msg == nil {
		return Result{}, newError(KindValidation, "ingest", "", errors.New("nil message"))
	}
	if msg.Session() == "" {
		return Result{}, newError(KindValidation, "ingest", "", protocol.ErrMissingSession)
	}

	switch m := msg.(type) {
	case protocol.Data:
		return r.write(m)
	case protocol.Stop:
		return r.stop(ctx, m.SessionID), nil
	default:
		return Result{}, newError(KindValidation, "ingest", msg.Session(), protocol.ErrUnknownKind)
	}
}

func (r *Registry) write(d protocol.Data) (Result, error) {
	if r.isStopped(d.SessionID) {
		return Result{}, newError(KindState, "write", d.SessionID, ErrAlreadyStopped)
	}

	s, created, err := r.getOrCreate(d)
	if err != nil {
		return Result{}, err
	}

	h := s.handle
	h.mu.Lock()
	if err := h.append(d.Payload); err != nil {
		h.mu.Unlock()
		if errors.Is(err, errHandleClosed) {
			// Stop won the race for the handle lock.
			return Result{}, newError(KindState, "write", d.SessionID, ErrAlreadyStopped)
		}
		r.logger.Error("chunk write failed", "session_id", d.SessionID, "path", s.path, "error", err)
		return Result{}, newError(KindIO, "write", d.SessionID, err)
	}
	n := int64(len(d.Payload))
	total := s.bytes.Add(n)
	s.meter.Add(len(d.Payload))
	h.mu.Unlock()

	if r.stats != nil && n > 0 {
		r.stats.AddBytes(n)
	}

	return Result{
		Kind:      protocol.KindData,
		SessionID: d.SessionID,
		Bytes:     total,
		Created:   created,
	}, nil
}

func (r *Registry) getOrCreate(d protocol.Data) (*session, bool, error) {
	if v, ok := r.active.Load(d.SessionID); ok {
		return v.(*session), false, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.isStoppedLocked(d.SessionID) {
		return nil, false, newError(KindState, "write", d.SessionID, ErrAlreadyStopped)
	}
	if v, ok := r.active.Load(d.SessionID); ok {
		return v.(*session), false, nil
	}

	startedAt := r.now()
	startTimestamp := d.Timestamp
	if startTimestamp == 0 {
		startTimestamp = startedAt.UnixMilli()
	}

	filename := recordingFilename(d.Name, d.SessionID, startTimestamp, r.ext)
	handle, path, err := openHandle(r.root.get(), filename, d.SessionID)
	if err != nil {
		r.logger.Error("failed to open recording", "session_id", d.SessionID, "error", err)
		return nil, false, err
	}

	s := &session{
		id:             d.SessionID,
		name:           d.Name,
		path:           path,
		startTimestamp: startTimestamp,
		startedAt:      startedAt,
		handle:         handle,
		meter:          progress.NewMeterWithNow(r.now),
	}
	r.active.Store(d.SessionID, s)

	if r.stats != nil {
		r.stats.IncrementSessions()
	}
	r.logger.Info("recording started", "session_id", d.SessionID, "name", d.Name, "path", path)
	return s, true, nil
}

func (r *Registry) stop(ctx context.Context, sessionID string) Result {
	r.createMu.Lock()
	r.sweepStoppedLocked()
	if _, seen := r.stopped[sessionID]; !seen || r.expiredLocked(sessionID) {
		r.stopped[sessionID] = r.now()
	}
	v, ok := r.active.LoadAndDelete(sessionID)
	r.createMu.Unlock()

	if !ok {
		r.logger.Debug("stop for inactive session ignored", "session_id", sessionID)
		return Result{Kind: protocol.KindStop, SessionID: sessionID}
	}

	s := v.(*session)
	s.handle.mu.Lock()
	closeErr := s.handle.close()
	digest := s.handle.sum()
	s.handle.mu.Unlock()

	if closeErr != nil {
		r.logger.Error("failed to close recording", "session_id", sessionID, "path", s.path, "error", closeErr)
	}

	summary := Summary{
		Info:    s.info(StateClosed),
		EndedAt: r.now(),
		Digest:  digest,
	}
	r.logger.Info("recording stopped",
		"session_id", sessionID,
		"path", s.path,
		"bytes", summary.BytesWritten,
		"chunks", summary.Chunks,
		"duration", summary.EndedAt.Sub(summary.StartedAt).Round(time.Millisecond))

	if r.catalog != nil {
		if err := r.catalog.RecordSession(ctx, summary); err != nil {
			r.logger.Warn("failed to record session in catalog", "session_id", sessionID, "error", err)
		}
	}

	return Result{
		Kind:      protocol.KindStop,
		SessionID: sessionID,
		Bytes:     summary.BytesWritten,
		Closed:    true,
	}
}

func (r *Registry) isStopped(sessionID string) bool {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	return r.isStoppedLocked(sessionID)
}

// isStoppedLocked reports whether Data for sessionID must be rejected,
// dropping the tombstone once StoppedTTL has passed. Caller holds createMu.
func (r *Registry) isStoppedLocked(sessionID string) bool {
	if _, ok := r.stopped[sessionID]; !ok {
		return false
	}
	if r.expiredLocked(sessionID) {
		delete(r.stopped, sessionID)
		return false
	}
	return true
}

// sweepStoppedLocked drops expired tombstones, at most once per StoppedTTL.
// Caller holds createMu.
func (r *Registry) sweepStoppedLocked() {
	if r.stoppedTTL <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastSweep) < r.stoppedTTL {
		return
	}
	r.lastSweep = now
	for id, at := range r.stopped {
		if now.Sub(at) > r.stoppedTTL {
			delete(r.stopped, id)
		}
	}
}

func (r *Registry) expiredLocked(sessionID string) bool {
	if r.stoppedTTL <= 0 {
		return false
	}
	at, ok := r.stopped[sessionID]
	return ok && r.now().Sub(at) > r.stoppedTTL
}

// SetRoot switches the directory used for sessions that start after this
// call. The directory is created if needed; failure leaves the old root in
// place.
func (r *Registry) SetRoot(dir string) error {
	if err := ensureDirectory(dir); err != nil {
		return newError(KindConfig, "set root", "", err)
	}
	r.root.set(dir)
	r.logger.Info("recordings directory changed", "dir", dir)
	return nil
}

// Root returns the current recordings directory.
func (r *Registry) Root() string {
	return r.root.get()
}

// ActiveSessions returns the ids of all open sessions, sorted.
func (r *Registry) ActiveSessions() []string {
	ids := make([]string, 0)
	r.active.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of open sessions.
func (r *Registry) ActiveCount() int {
	n := 0
	r.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IsActive reports whether sessionID has an open file.
func (r *Registry) IsActive(sessionID string) bool {
	_, ok := r.active.Load(sessionID)
	return ok
}

// Session returns the monitoring view of one open session.
func (r *Registry) Session(sessionID string) (Info, bool) {
	v, ok := r.active.Load(sessionID)
	if !ok {
		return Info{}, false
	}
	return v.(*session).info(StateActive), true
}

// Sessions returns the monitoring view of every open session, oldest first.
func (r *Registry) Sessions() []Info {
	infos := make([]Info, 0)
	r.active.Range(func(_, v any) bool {
		infos = append(infos, v.(*session).info(StateActive))
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CloseAll stops every open session. It is called at shutdown so files whose
// Stop never arrived are still flushed and closed. Returns the number closed.
func (r *Registry) CloseAll(ctx context.Context) int {
	closed := 0
	for _, id := range r.ActiveSessions() {
		if res := r.stop(ctx, id); res.Closed {
			closed++
			r.logger.Warn("closed recording at shutdown without stop message", "session_id", id)
		}
	}
	return closed
}
