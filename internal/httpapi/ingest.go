package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sheerbytes/streamrec/internal/recorder"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

const defaultListLimit = 100

// statusFor maps an ingest error to its HTTP status.
func statusFor(err error) int {
	switch recorder.Code(err) {
	case protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodeState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = protocol.NewRequestID()
	}
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrMalformed, tooLarge.Limit)
			s.writeJSON(w, http.StatusRequestEntityTooLarge, recorder.AckFor(requestID, recorder.Result{}, err))
			return
		}
		err = fmt.Errorf("%w: read body: %v", protocol.ErrMalformed, err)
		s.writeJSON(w, http.StatusBadRequest, recorder.AckFor(requestID, recorder.Result{}, err))
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		s.logger.Warn("rejected chunk message", "request_id", requestID, "error", err)
		s.writeJSON(w, http.StatusBadRequest, recorder.AckFor(requestID, recorder.Result{}, err))
		return
	}

	res, err := s.registry.Ingest(r.Context(), msg)
	if err != nil {
		res.SessionID = msg.Session()
		s.logger.Warn("ingest failed", "request_id", requestID, "session_id", msg.Session(), "kind", msg.Kind(), "error", err)
		s.writeJSON(w, statusFor(err), recorder.AckFor(requestID, res, err))
		return
	}

	// Session set changed; watchers should not wait for the next tick.
	if res.Created || res.Closed {
		s.Publish()
	}
	s.writeJSON(w, http.StatusAccepted, recorder.AckFor(requestID, res, nil))
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	active := s.registry.Sessions()
	response := map[string]any{
		"active": toSessionStats(active),
	}
	if s.catalog == nil {
		response["recordings"] = []any{}
		s.writeJSON(w, http.StatusOK, response)
		return
	}

	entries, err := s.catalog.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list recordings", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	response["recordings"] = entries
	s.writeJSON(w, http.StatusOK, response)
}
