package httpapi

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/eventpipe/internal/logger"
)

// newUpgrader builds a websocket.Upgrader whose origin check honors
// EVENTPIPE_CORS_ORIGIN the same way corsMiddleware does for plain HTTP
// requests, adapted from the teacher's getWebSocketUpgrader.
func newUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv("EVENTPIPE_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if corsOrigins == "" {
				parsed, err := url.Parse(origin)
				return err == nil && parsed.Host == r.Host
			}
			return allowedOrigins[origin]
		},
	}
}

var upgrader = newUpgrader()

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleSubscribe implements the C9 subscribe operation over a WebSocket:
// it opens a Subscribe on the pipeline for this one connection's session,
// writes the replay segment, then forwards the live channel until the
// client disconnects or the process shuts down. Unlike the teacher's
// websocket.go (a single hub broadcasting every event to every client),
// each connection here gets its own per-session stream straight from
// Pipeline.Subscribe — there is no cross-session fanout to do.
func (s *Server) handleSubscribe(c *gin.Context) {
	sessionID := c.Param("id")
	sinceSequence := int64(0)
	if raw := c.Query("since_sequence"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceSequence = v
		}
	}

	ctx := c.Request.Context()
	replay, live, cancel, err := s.pipeline.Subscribe(ctx, sessionID, sinceSequence)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "failed to subscribe", err)
		return
	}
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket for session %s: %v", sessionID, err)
		return
	}
	defer ws.Close()

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// ReadMessage is only used to drain pongs and notice a closed
	// connection; nothing the client sends is otherwise meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range replay {
		if err := ws.WriteJSON(e); err != nil {
			logger.Debugf("WebSocket replay write failed for session %s: %v", sessionID, err)
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debugf("WebSocket ping failed for session %s: %v", sessionID, err)
				return
			}
		case e, ok := <-live:
			if !ok {
				return
			}
			if err := ws.WriteJSON(e); err != nil {
				logger.Debugf("WebSocket live write failed for session %s: %v", sessionID, err)
				return
			}
		}
	}
}
