package waitroom

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/session"
	"github.com/waitgate/waitgate/internal/validation"
)

const (
	streamPushInterval = 2 * time.Second
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
)

// normalCloseCodes are WebSocket close codes that indicate an expected
// disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Stream handles GET /api/v1/queue/stream/:sessionID. It upgrades to a
// WebSocket and pushes the status payload every two seconds until the
// session reaches a terminal state or the client goes away. Disconnecting
// never changes queue state; the poll endpoint keeps working afterwards.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed session id",
		})
		return
	}

	// Reject unknown sessions before upgrading.
	if _, err := h.service.Status(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "Unknown session",
			})
			return
		}
		internalError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.service.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	metrics.ActiveStreamClients.Inc()
	defer metrics.ActiveStreamClients.Dec()
	defer conn.Close()

	// Read pump: the client sends nothing meaningful, but reads must be
	// drained to process control frames and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, normalCloseCodes...) {
					h.service.logger.Debug("websocket read closed", "sessionId", sessionID, "error", err)
				}
				return
			}
		}
	}()

	ctx := c.Request.Context()
	ticker := time.NewTicker(streamPushInterval)
	defer ticker.Stop()

	for {
		result, err := h.service.Status(ctx, sessionID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""),
				time.Now().Add(streamWriteWait))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(result); err != nil {
			return
		}

		// Terminal payloads are pushed once, then the server closes.
		if result.State == StateRemoved || result.State == StateAdmitted {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		}

		select {
		case <-ticker.C:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
