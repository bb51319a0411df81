package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/streamrec/internal/feed"
	"github.com/sheerbytes/streamrec/pkg/protocol"
)

const (
	feedReadLimit  = 4096
	feedPongWait   = 60 * time.Second
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS governs browser access to the API
	},
}

func (s *Server) snapshotEnvelope() (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.TypeStatsSnapshot, protocol.NewMsgID(), s.Snapshot())
}

// Publish pushes a fresh snapshot to every feed subscriber.
func (s *Server) Publish() {
	if s.hub.Count() == 0 {
		return
	}
	env, err := s.snapshotEnvelope()
	if err != nil {
		s.logger.Error("failed to build stats snapshot", "error", err)
		return
	}
	s.hub.Broadcast(env)
}

// RunFeed publishes a snapshot every interval until ctx is cancelled.
func (s *Server) RunFeed(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Publish()
		}
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(feedReadLimit)

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		return conn.WriteJSON(env)
	}

	sub := feed.Subscriber{
		ConnID:      protocol.NewMsgID(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: s.now(),
	}
	remove := s.hub.Add(sub, send)
	defer remove()
	s.logger.Debug("feed subscriber connected", "conn_id", sub.ConnID, "remote_addr", sub.RemoteAddr)

	// The first snapshot goes out immediately.
	if env, err := s.snapshotEnvelope(); err == nil {
		s.hub.SendTo(sub.ConnID, env)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(feedPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})
	// Subscribers never send data; reading drives control frames and
	// detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("feed read error", "conn_id", sub.ConnID, "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
	}
	s.logger.Debug("feed subscriber disconnected", "conn_id", sub.ConnID)
}
