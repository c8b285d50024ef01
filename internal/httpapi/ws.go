package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The live-stats feed is read-only telemetry for operator dashboards,
	// not a browser-facing page with cookies to protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsStats upgrades the connection and pushes a JSON snapshot of every
// supervised rule's live stats on every tick, authenticating via a query parameter
// since browsers can't set arbitrary headers on the WebSocket handshake.
func (s *Server) wsStats(c *gin.Context) {
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid auth token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.statsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.manager.GetStats()); err != nil {
				return
			}
		}
	}
}
