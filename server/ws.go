package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// pongWait is the time allowed to read the next pong from the peer
	pongWait = 60 * time.Second
	// pingPeriod is how often pings are sent; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API carries no browser credentials; all origins accepted.
		return true
	},
}

// handleRunsFeed streams queue delivery events to the client as JSON
// messages over a websocket. Events for all owners are broadcast; the
// feed is a monitoring surface, not a data API.
func (s *Server) handleRunsFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	events := s.queue.Subscribe()
	defer func() {
		s.queue.Unsubscribe(events)
		close(events)
		conn.Close()
	}()

	s.logger.Debugw("Run feed client connected", "remote", r.RemoteAddr)

	// Reader goroutine: consume control frames and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debugw("Run feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
