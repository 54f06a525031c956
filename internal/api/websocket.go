package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/task"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// upgrader is the gorilla/websocket upgrader shared across handlers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from any origin (configure for prod).
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleTaskFeed upgrades the connection and relays task lifecycle events to
// the client until it disconnects. Each connection holds its own
// subscription; a slow client drops events rather than blocking the pipeline.
func (s *Server) handleTaskFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues().Inc()
	metrics.WebSocketConnectionsActive.WithLabelValues().Inc()
	defer metrics.WebSocketConnectionsActive.WithLabelValues().Dec()

	events, cancel := s.orch.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go s.feedReadPump(conn, closed)
	s.feedWritePump(conn, events, closed)
}

// feedReadPump discards client messages and detects disconnects.
func (s *Server) feedReadPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// feedWritePump streams events and keeps the connection alive with pings.
func (s *Server) feedWritePump(conn *websocket.Conn, events <-chan task.Event, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
