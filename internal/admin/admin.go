// Package admin provides operator endpoints guarded by a shared secret:
// manual bans, queue removal, event configuration and live stats.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/event"
	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/session"
	"github.com/waitgate/waitgate/internal/validation"
)

const defaultBanDuration = 30 * time.Minute

// RequireSecret authenticates requests by the X-Admin-Secret header.
// An empty configured secret disables the admin surface entirely.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			c.Abort()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handler provides the operator HTTP endpoints.
type Handler struct {
	sessions  session.Store
	queue     *queue.Queue
	bans      *banlist.Service
	evidence  risk.Store
	inventory *event.Inventory
}

// NewHandler creates the operator handler.
func NewHandler(sessions session.Store, q *queue.Queue, bans *banlist.Service, evidence risk.Store, inventory *event.Inventory) *Handler {
	return &Handler{sessions: sessions, queue: q, bans: bans, evidence: evidence, inventory: inventory}
}

// RegisterRoutes sets up the admin routes. The caller is expected to guard
// the group with RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:sessionID", h.getSession)
	r.POST("/sessions/:sessionID/ban", h.banSession)
	r.POST("/sessions/:sessionID/remove", h.removeSession)
	r.GET("/bans", h.listBans)
	r.POST("/bans", h.banIP)
	r.DELETE("/bans/:ip", h.unbanIP)
	r.GET("/stats", h.stats)
	r.GET("/event", h.getEvent)
	r.PUT("/event", h.updateEvent)
}

// getSession returns the session plus its full evidence trail.
func (h *Handler) getSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !validation.IsValidSessionID(sessionID) {
		badRequest(c, "Malformed session id")
		return
	}
	ctx := c.Request.Context()

	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			notFound(c)
			return
		}
		internalError(c, err)
		return
	}
	evidence, err := h.evidence.ListBySession(ctx, sessionID)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  sess,
		"evidence": evidence,
	})
}

type banSessionRequest struct {
	Reason          string `json:"reason" binding:"required"`
	BanIP           bool   `json:"banIp"`
	DurationMinutes int    `json:"durationMinutes"`
}

// banSession bans a session, removes it from the queue and optionally bans
// its source address.
func (h *Handler) banSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !validation.IsValidSessionID(sessionID) {
		badRequest(c, "Malformed session id")
		return
	}
	var req banSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			notFound(c)
			return
		}
		internalError(c, err)
		return
	}
	if sess.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Session is already terminal",
			"status":  string(sess.Status),
		})
		return
	}

	if err := h.queue.Remove(ctx, sessionID); err != nil {
		internalError(c, err)
		return
	}
	if err := sess.Transition(session.StatusBanned); err != nil {
		internalError(c, err)
		return
	}
	sess.BanReason = req.Reason
	if err := h.sessions.Update(ctx, sess); err != nil {
		internalError(c, err)
		return
	}
	metrics.BansTotal.WithLabelValues("manual").Inc()

	if req.BanIP {
		duration := defaultBanDuration
		if req.DurationMinutes > 0 {
			duration = time.Duration(req.DurationMinutes) * time.Minute
		}
		if err := h.bans.Ban(ctx, sess.IPAddress, req.Reason, duration); err != nil {
			internalError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"banned": true, "sessionId": sessionID})
}

// removeSession expires a session and drops it from the queue without
// marking the visitor abusive.
func (h *Handler) removeSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !validation.IsValidSessionID(sessionID) {
		badRequest(c, "Malformed session id")
		return
	}
	ctx := c.Request.Context()

	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			notFound(c)
			return
		}
		internalError(c, err)
		return
	}
	if sess.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Session is already terminal",
			"status":  string(sess.Status),
		})
		return
	}

	if err := h.queue.Remove(ctx, sessionID); err != nil {
		internalError(c, err)
		return
	}
	if err := sess.Transition(session.StatusExpired); err != nil {
		internalError(c, err)
		return
	}
	if err := h.sessions.Update(ctx, sess); err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": true, "sessionId": sessionID})
}

// listBans returns currently known ban entries.
func (h *Handler) listBans(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := h.bans.List(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bans": entries, "count": len(entries)})
}

type banIPRequest struct {
	IP              string `json:"ip" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	DurationMinutes int    `json:"durationMinutes"`
}

// banIP bans an address directly.
func (h *Handler) banIP(c *gin.Context) {
	var req banIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	duration := defaultBanDuration
	if req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}
	if err := h.bans.Ban(c.Request.Context(), req.IP, req.Reason, duration); err != nil {
		internalError(c, err)
		return
	}
	metrics.BansTotal.WithLabelValues("manual").Inc()

	c.JSON(http.StatusOK, gin.H{"banned": true, "ip": req.IP})
}

// unbanIP lifts an address ban.
func (h *Handler) unbanIP(c *gin.Context) {
	ip := c.Param("ip")
	if err := h.bans.Unban(c.Request.Context(), ip); err != nil {
		if errors.Is(err, banlist.ErrBanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "ban_not_found",
				"message": "No ban entry for that address",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unbanned": true, "ip": ip})
}

// stats reports queue depth, sessions per status and the event snapshot.
func (h *Handler) stats(c *gin.Context) {
	ctx := c.Request.Context()

	depth, err := h.queue.Length(ctx)
	if err != nil {
		internalError(c, err)
		return
	}
	counts, err := h.sessions.CountByStatus(ctx)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queueDepth":       depth,
		"sessionsByStatus": counts,
		"event":            h.inventory.Get(ctx),
	})
}

// getEvent returns the current event configuration.
func (h *Handler) getEvent(c *gin.Context) {
	c.JSON(http.StatusOK, h.inventory.Get(c.Request.Context()))
}

type updateEventRequest struct {
	Name       string     `json:"name"`
	TotalStock *int64     `json:"totalStock"`
	Remaining  *int64     `json:"remaining"`
	SaleOpen   *bool      `json:"saleOpen"`
	SaleStart  *time.Time `json:"saleStart"`
}

// updateEvent applies a partial update to the event configuration.
func (h *Handler) updateEvent(c *gin.Context) {
	var req updateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	cfg := h.inventory.Get(ctx)
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.TotalStock != nil {
		cfg.TotalStock = *req.TotalStock
	}
	if req.Remaining != nil {
		cfg.Remaining = *req.Remaining
	}
	if req.SaleOpen != nil {
		cfg.SaleOpen = *req.SaleOpen
	}
	if req.SaleStart != nil {
		cfg.SaleStart = *req.SaleStart
	}
	if cfg.Remaining < 0 || cfg.Remaining > cfg.TotalStock {
		badRequest(c, "remaining must be between 0 and totalStock")
		return
	}
	h.inventory.Update(ctx, cfg)

	c.JSON(http.StatusOK, h.inventory.Get(ctx))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "session_not_found",
		"message": "Unknown session",
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
