package app

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docengine/api/internal/access"
	"docengine/api/internal/metrics"
	"docengine/api/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// feedMessage is one update event as sent to a live feed client.
type feedMessage struct {
	Seq    uint64    `json:"seq"`
	Change bool      `json:"change"`
	Doc    store.Doc `json:"doc"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

// handleChangeFeed streams every update event the caller's access map can
// see, in publish order, until either side closes.
func (s *HTTPServer) handleChangeFeed(w http.ResponseWriter, r *http.Request) {
	userAccess := claimsFrom(r.Context()).UserAccess
	// Subscribe before the handshake completes so a client that writes right
	// after connecting sees its own events.
	sub := s.docs.Subscribe("feed-" + requestID(r.Context()))
	defer sub.Cancel()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("change feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.LiveFeedConnections.Inc()
	defer metrics.LiveFeedConnections.Dec()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
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
		case <-closed:
			return
		case event, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !access.CanSee(userAccess, event.Doc) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(feedMessage{Seq: event.Seq, Change: event.IsChange(), Doc: event.Doc}); err != nil {
				s.log.Debug("change feed write failed", zap.Error(err))
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
