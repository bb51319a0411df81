package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sheerbytes/streamrec/internal/bufpool"
)

const readBufferSize = 64 * 1024

var readBuffers = bufpool.New(readBufferSize)

// StreamSource turns an already-encoded byte stream (stdin, a pipe from an
// encoder process) into timesliced chunks.
type StreamSource struct {
	r io.Reader
	// halt makes the reader reach EOF. Defaults to closing r when it is an
	// io.Closer.
	halt func() error

	mu        sync.Mutex
	pending   bytes.Buffer
	finishing bool
	readErr   error

	quit     chan struct{}
	readDone chan struct{}
	tickDone chan struct{}
	started  bool
	finished bool
}

// NewStreamSource wraps r.
func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{r: r}
}

func (s *StreamSource) Start(timeslice time.Duration, emit func([]byte), ended func(error)) error {
	if s.started {
		return errors.New("source already started")
	}
	if timeslice <= 0 {
		return fmt.Errorf("invalid timeslice %v", timeslice)
	}
	s.started = true
	s.quit = make(chan struct{})
	s.readDone = make(chan struct{})
	s.tickDone = make(chan struct{})

	go s.readLoop(ended)
	go s.tickLoop(timeslice, emit)
	return nil
}

func (s *StreamSource) readLoop(ended func(error)) {
	defer close(s.readDone)
	buf := readBuffers.Get()
	defer readBuffers.Put(buf)

	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			finishing := s.finishing
			if !errors.Is(err, io.EOF) && !finishing {
				s.readErr = err
			}
			s.mu.Unlock()
			if finishing {
				return
			}
			if errors.Is(err, io.EOF) {
				ended(nil)
			} else {
				ended(err)
			}
			return
		}
	}
}

func (s *StreamSource) tickLoop(timeslice time.Duration, emit func([]byte)) {
	defer close(s.tickDone)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if chunk := s.take(); len(chunk) > 0 {
				emit(chunk)
			}
		}
	}
}

// take returns and clears the accumulated bytes unless Finish has claimed
// them.
func (s *StreamSource) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.pending.Len() == 0 {
		return nil
	}
	chunk := bytes.Clone(s.pending.Bytes())
	s.pending.Reset()
	return chunk
}

// Finish stops the ticker, halts the reader and returns whatever it had
// accumulated since the last chunk.
func (s *StreamSource) Finish() ([]byte, error) {
	if !s.started || s.finished {
		return nil, nil
	}
	s.finished = true

	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()

	close(s.quit)
	<-s.tickDone

	var haltErr error
	select {
	case <-s.readDone:
	default:
		haltErr = s.haltReader()
		<-s.readDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	final := bytes.Clone(s.pending.Bytes())
	s.pending.Reset()
	return final, haltErr
}

func (s *StreamSource) haltReader() error {
	if s.halt != nil {
		return s.halt()
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close releases the reader.
func (s *StreamSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		err := c.Close()
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// ReadErr returns the read error that ended the stream, if any.
func (s *StreamSource) ReadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// CommandSource runs an encoder process and records its stdout. Finish
// interrupts the process so it can finalize the container before exiting.
type CommandSource struct {
	name string
	args []string

	// KillAfter bounds how long Finish waits for the encoder to exit after
	// the interrupt.
	KillAfter time.Duration

	cmd    *exec.Cmd
	stream *StreamSource
}

// NewCommandSource returns a source that will run name with args.
func NewCommandSource(name string, args ...string) *CommandSource {
	return &CommandSource{name: name, args: args, KillAfter: 5 * time.Second}
}

func (c *CommandSource) Start(timeslice time.Duration, emit func([]byte), ended func(error)) error {
	cmd := exec.Command(c.name, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder %s: %w", c.name, err)
	}
	c.cmd = cmd

	c.stream = NewStreamSource(stdout)
	// Interrupt rather than close stdout so the encoder can flush its tail.
	c.stream.halt = c.interrupt
	if err := c.stream.Start(timeslice, emit, ended); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		c.cmd = nil
		return err
	}
	return nil
}

func (c *CommandSource) interrupt() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	proc := c.cmd.Process
	if err := proc.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return proc.Kill()
	}
	readDone := c.stream.readDone
	go func() {
		timer := time.NewTimer(c.KillAfter)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = proc.Kill()
		case <-readDone:
		}
	}()
	return nil
}

func (c *CommandSource) Finish() ([]byte, error) {
	if c.stream == nil {
		return nil, nil
	}
	return c.stream.Finish()
}

// Close reaps the encoder process.
func (c *CommandSource) Close() error {
	if c.cmd == nil {
		return nil
	}
	if _, err := c.Finish(); err != nil {
		_ = c.cmd.Process.Kill()
	}
	err := c.cmd.Wait()
	c.cmd = nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Interrupted encoders exit non-zero.
		return nil
	}
	return err
}
