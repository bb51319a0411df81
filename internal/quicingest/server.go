// Package quicingest carries chunk messages over QUIC: one bidirectional
// stream per message, the JSON chunk message on the way in and the JSON
// acknowledgment on the way out.
package quicingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// DefaultMaxMessageBytes bounds one encoded chunk message.
const DefaultMaxMessageBytes = 32 * 1024 * 1024

const streamTimeout = 30 * time.Second

// Ingester applies decoded chunk messages. It is satisfied by
// *recorder.Registry.
type Ingester interface {
	Ingest(ctx context.Context, msg protocol.Message) (recorder.Result, error)
}

// Server accepts QUIC connections and feeds their messages to an Ingester.
type Server struct {
	listener        *quic.Listener
	ingester        Ingester
	logger          *slog.Logger
	maxMessageBytes int64

	wg sync.WaitGroup
}

// Listen opens a QUIC listener on addr (for example ":8443").
func Listen(addr string, ingester Ingester, maxMessageBytes int64, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, DefaultServerConfig())
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", listener.Addr())

	return &Server{
		listener:        listener,
		ingester:        ingester,
		logger:          logger,
		maxMessageBytes: maxMessageBytes,
	}, nil
}

// Addr returns the listener's local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It waits for in-progress streams before returning.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr()
	s.logger.Debug("QUIC connection accepted", "remote_addr", remote)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.logger.Debug("QUIC connection closed", "remote_addr", remote, "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, stream)
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamTimeout))

	requestID := protocol.NewRequestID()
	ack := s.ingest(ctx, stream, requestID)

	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error("failed to encode ack", "request_id", requestID, "error", err)
		return
	}
	if _, err := stream.Write(data); err != nil {
		s.logger.Warn("failed to write ack", "request_id", requestID, "error", err)
	}
}

func (s *Server) ingest(ctx context.Context, stream *quic.Stream, requestID string) protocol.Ack {
	body, err := io.ReadAll(io.LimitReader(stream, s.maxMessageBytes+1))
	if err != nil {
		return recorder.AckFor(requestID, recorder.Result{}, fmt.Errorf("%w: read stream: %v", protocol.ErrMalformed, err))
	}
	if int64(len(body)) > s.maxMessageBytes {
		stream.CancelRead(0)
		return recorder.AckFor(requestID, recorder.Result{}, fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrMalformed, s.maxMessageBytes))
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		s.logger.Warn("rejected chunk message", "request_id", requestID, "error", err)
		return recorder.AckFor(requestID, recorder.Result{}, err)
	}

	res, err := s.ingester.Ingest(ctx, msg)
	if err != nil {
		res.SessionID = msg.Session()
		s.logger.Warn("ingest failed", "request_id", requestID, "session_id", msg.Session(), "kind", msg.Kind(), "error", err)
	}
	return recorder.AckFor(requestID, res, err)
}
