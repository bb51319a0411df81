// Package capture implements the client side of a recording session: a
// producer that turns a media source into an ordered stream of chunk
// messages and finishes with a drain-then-stop handshake.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/streamrec/internal/progress"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

const (
	DefaultTimeslice     = time.Second
	DefaultMinChunkBytes = 100
	DefaultMaxInFlight   = 1
	DefaultSendTimeout   = 30 * time.Second
	DefaultStopTimeout   = 10 * time.Second

	// StopMargin is added to MaxDuration before the automatic stop fires so
	// the encoder's last flush still lands inside the requested duration.
	StopMargin = 1500 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("producer already started")
	ErrNoSession      = errors.New("session id is required")
)

// Source is a media source with an encoder that emits chunks on a timer.
type Source interface {
	// Start begins capture. emit is called with each encoded chunk (the
	// callee owns the slice); ended is called once if the source goes away on
	// its own.
	Start(timeslice time.Duration, emit func([]byte), ended func(error)) error
	// Finish stops the encoder and returns its final flush.
	Finish() ([]byte, error)
	// Close releases the source.
	Close() error
}

// Transport delivers one message and returns once the receiver has
// acknowledged it.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// State is the producer's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config controls a Producer.
type Config struct {
	SessionID string
	Name      string
	// Timeslice is the encoder's chunk interval.
	Timeslice time.Duration
	// Chunks shorter than MinChunkBytes are discarded.
	MinChunkBytes int
	// MaxInFlight bounds concurrent chunk deliveries. Values above 1 give up
	// in-order arrival at the receiver.
	MaxInFlight int
	// MaxDuration stops capture automatically (plus StopMargin). Zero means
	// no limit.
	MaxDuration time.Duration
	SendTimeout time.Duration
	StopTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func (c *Config) setDefaults() {
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.MinChunkBytes < 0 {
		c.MinChunkBytes = 0
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Counters summarizes what a producer has done so far.
type Counters struct {
	ChunksSent      int64
	BytesSent       int64
	ChunksDiscarded int64
	ChunksIgnored   int64
}

type eventKind int

const (
	evChunk eventKind = iota
	evStop
	evSourceEnded
	evFlushed
	evSettled
	evStopSettled
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// Producer drives one capture session. All mutable session state is owned by
// a single event-loop goroutine; callbacks from the source and the transport
// only post events to it.
type Producer struct {
	cfg       Config
	src       Source
	transport Transport
	logger    *slog.Logger
	meter     *progress.Meter

	events chan event
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	state     atomic.Int32
	err       error // written by the loop before done is closed

	chunksSent      atomic.Int64
	bytesSent       atomic.Int64
	chunksDiscarded atomic.Int64
	chunksIgnored   atomic.Int64

	// Loop-owned.
	timestamp     int64
	inFlight      int
	queue         [][]byte
	stopRequested bool
	finishing     bool
	aborted       error
	sourceErr     error
	drained       chan struct{}
}

// NewProducer returns an idle producer.
func NewProducer(src Source, transport Transport, cfg Config) *Producer {
	cfg.setDefaults()
	return &Producer{
		cfg:       cfg,
		src:       src,
		transport: transport,
		logger:    cfg.Logger.With("session_id", cfg.SessionID),
		meter:     progress.NewMeterWithNow(cfg.Now),
		events:    make(chan event, 16),
		done:      make(chan struct{}),
	}
}

// Start acquires the source and begins emitting chunks. Cancelling ctx
// stops the session through the same drain-then-stop path as Stop.
func (p *Producer) Start(ctx context.Context) error {
	if p.cfg.SessionID == "" {
		return ErrNoSession
	}
	started := false
	var err error
	p.startOnce.Do(func() {
		started = true
		err = p.start(ctx)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return err
}

func (p *Producer) start(ctx context.Context) error {
	now := p.cfg.Now()
	p.timestamp = now.UnixMilli()
	p.setState(StateCapturing)

	emit := func(b []byte) { p.post(event{kind: evChunk, data: b}) }
	ended := func(err error) { p.post(event{kind: evSourceEnded, err: err}) }
	if err := p.src.Start(p.cfg.Timeslice, emit, ended); err != nil {
		p.setState(StateIdle)
		p.err = fmt.Errorf("start source: %w", err)
		close(p.done)
		return p.err
	}

	p.logger.Info("capture started", "name", p.cfg.Name, "timeslice", p.cfg.Timeslice, "max_in_flight", p.cfg.MaxInFlight)
	go p.loop(ctx)
	return nil
}

// Stop requests the end of the session. It returns immediately; use Wait
// to block until the Stop message has been delivered.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		p.post(event{kind: evStop})
	})
}

// Wait blocks until the session is torn down and returns the first failure,
// if any.
func (p *Producer) Wait() error {
	<-p.done
	return p.err
}

// Done is closed once the session is torn down.
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Run starts the producer and blocks until it finishes. Cancelling ctx ends
// the session normally.
func (p *Producer) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// State returns the current lifecycle state.
func (p *Producer) State() State {
	return State(p.state.Load())
}

// Counters returns delivery totals.
func (p *Producer) Counters() Counters {
	return Counters{
		ChunksSent:      p.chunksSent.Load(),
		BytesSent:       p.bytesSent.Load(),
		ChunksDiscarded: p.chunksDiscarded.Load(),
		ChunksIgnored:   p.chunksIgnored.Load(),
	}
}

// Progress returns acknowledged bytes and the smoothed delivery rate.
func (p *Producer) Progress() progress.Stats {
	return p.meter.Snapshot()
}

func (p *Producer) setState(s State) {
	p.state.Store(int32(s))
}

// post hands an event to the loop. Events posted after teardown are dropped.
func (p *Producer) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Producer) loop(ctx context.Context) {
	ctxDone := ctx.Done()
	var deadline <-chan time.Time
	if p.cfg.MaxDuration > 0 {
		timer := time.NewTimer(p.cfg.MaxDuration + StopMargin)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		var ev event
		select {
		case ev = <-p.events:
		case <-ctxDone:
			ctxDone = nil
			p.logger.Info("capture cancelled")
			ev = event{kind: evStop}
		case <-deadline:
			deadline = nil
			p.logger.Info("maximum duration reached", "max_duration", p.cfg.MaxDuration)
			ev = event{kind: evStop}
		}

		if p.handle(ctx, ev) {
			return
		}
	}
}

// handle applies one event. It returns true once the session is torn down.
func (p *Producer) handle(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evChunk:
		p.onChunk(ctx, ev.data)
	case evStop:
		p.beginStop(ctx)
	case evSourceEnded:
		if ev.err != nil {
			p.logger.Warn("source ended with error", "error", ev.err)
			if p.sourceErr == nil {
				p.sourceErr = ev.err
			}
		} else {
			p.logger.Info("source ended")
		}
		p.beginStop(ctx)
	case evFlushed:
		p.finishing = false
		if ev.err != nil {
			p.logger.Warn("final encoder flush failed", "error", ev.err)
		}
		p.enqueue(ev.data)
		p.dispatch(ctx)
	case evSettled:
		p.onSettled(ctx, ev.data, ev.err)
	case evStopSettled:
		p.teardown(ev.err)
		return true
	}
	p.checkDrained()
	return false
}

func (p *Producer) onChunk(ctx context.Context, b []byte) {
	if p.stopRequested || p.State() != StateCapturing {
		p.chunksIgnored.Add(1)
		p.logger.Debug("chunk after stop ignored", "bytes", len(b))
		return
	}
	p.enqueue(b)
	p.dispatch(ctx)
}

// enqueue queues a chunk unless it is noise or the session was aborted.
func (p *Producer) enqueue(b []byte) {
	if p.aborted != nil {
		return
	}
	if len(b) < p.cfg.MinChunkBytes || len(b) == 0 {
		if len(b) > 0 {
			p.chunksDiscarded.Add(1)
			p.logger.Debug("discarding undersized chunk", "bytes", len(b), "min", p.cfg.MinChunkBytes)
		}
		return
	}
	p.queue = append(p.queue, b)
}

// dispatch starts deliveries while the in-flight window has room.
func (p *Producer) dispatch(ctx context.Context) {
	for p.aborted == nil && len(p.queue) > 0 && p.inFlight < p.cfg.MaxInFlight {
		chunk := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.inFlight++

		msg := protocol.Data{
			SessionID: p.cfg.SessionID,
			Name:      p.cfg.Name,
			Timestamp: p.timestamp,
			Payload:   chunk,
		}
		go func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
			err := p.transport.Send(sendCtx, msg)
			cancel()
			p.post(event{kind: evSettled, data: chunk, err: err})
		}()
	}
}

func (p *Producer) onSettled(ctx context.Context, chunk []byte, err error) {
	p.inFlight--
	if err != nil {
		if p.aborted == nil {
			p.aborted = err
			p.queue = nil
			p.logger.Error("chunk delivery failed, aborting capture", "error", err)
			p.beginStop(ctx)
		}
		return
	}
	p.chunksSent.Add(1)
	p.bytesSent.Add(int64(len(chunk)))
	p.meter.Add(len(chunk))
	p.dispatch(ctx)
}

// beginStop moves Capturing to Draining: further chunks are ignored, the
// encoder is asked for its final flush, and the Stop message is armed behind
// the drain signal.
func (p *Producer) beginStop(ctx context.Context) {
	if p.stopRequested {
		return
	}
	p.stopRequested = true
	p.setState(StateDraining)
	p.logger.Info("draining", "in_flight", p.inFlight, "queued", len(p.queue))

	p.finishing = true
	go func() {
		final, err := p.src.Finish()
		p.post(event{kind: evFlushed, data: final, err: err})
	}()

	drained := make(chan struct{})
	p.drained = drained
	go func() {
		<-drained
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StopTimeout)
		err := p.transport.Send(stopCtx, protocol.Stop{SessionID: p.cfg.SessionID})
		cancel()
		p.post(event{kind: evStopSettled, err: err})
	}()
}

// checkDrained fires the one-shot drain signal once nothing is outstanding.
func (p *Producer) checkDrained() {
	if p.drained == nil || p.finishing || p.inFlight > 0 || len(p.queue) > 0 {
		return
	}
	close(p.drained)
	p.drained = nil
}

func (p *Producer) teardown(stopErr error) {
	if err := p.src.Close(); err != nil {
		p.logger.Warn("failed to release source", "error", err)
	}

	switch {
	case p.aborted != nil:
		if stopErr != nil {
			p.logger.Warn("stop after abort not delivered", "error", stopErr)
		}
		p.err = fmt.Errorf("capture aborted: chunk delivery failed: %w", p.aborted)
	case stopErr != nil:
		p.err = fmt.Errorf("stop not delivered: %w", stopErr)
	case p.sourceErr != nil:
		p.err = fmt.Errorf("source failed: %w", p.sourceErr)
	}

	c := p.Counters()
	if p.err != nil {
		p.logger.Error("capture finished with error", "error", p.err, "chunks", c.ChunksSent, "bytes", c.BytesSent)
	} else {
		p.logger.Info("capture finished", "chunks", c.ChunksSent, "bytes", c.BytesSent, "discarded", c.ChunksDiscarded)
	}

	p.setState(StateIdle)
	close(p.done)
}
