package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// wsConn renews the write deadline per message; the connection otherwise
// keeps the server's WriteTimeout from before the upgrade.
type wsConn struct{ *websocket.Conn }

func (c wsConn) WriteJSON(v any) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// handleWS upgrades a signed-in user to a notification stream. Browsers
// cannot set headers on websocket requests so the token may come as ?token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		s.fail(w, r, apperr.Authentication("authentication required"))
		return
	}
	p, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("websocket upgrade failed", "error", err)
		return
	}
	userID := p.UserID.Hex()
	sess := s.hub.Add(userID, wsConn{conn})
	observability.WSSessions.Inc()
	s.logger.Info("websocket connected", "user_id", userID, "sessions", s.hub.Connected(userID))

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	// Clients only send pongs; the read loop exists to notice disconnects.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	s.hub.Remove(userID, sess)
	observability.WSSessions.Dec()
}
