package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"jobengine/internal/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = 54 * time.Second
	// Clients only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is guarded by the bearer token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams job events as JSON text messages. ?job_id= limits the stream to one job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	var filter func(core.JobEvent) bool
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		filter = func(e core.JobEvent) bool { return e.JobID == jobID }
	}
	sub := s.broker.Subscribe(0, filter)
	defer s.broker.Unsubscribe(sub)

	closed := make(chan struct{})
	go readPump(conn, closed)
	writePump(conn, sub.C, closed)
	s.logger.Debugw("event stream closed", "subscription", sub.ID, "dropped", sub.Dropped())
}

// readPump discards client messages and closes done when the connection goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, events <-chan core.JobEvent, closed <-chan struct{}) {
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
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
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
