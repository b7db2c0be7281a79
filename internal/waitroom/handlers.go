package waitroom

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waitgate/waitgate/internal/ratelimit"
	"github.com/waitgate/waitgate/internal/session"
	"github.com/waitgate/waitgate/internal/validation"
)

// Handler exposes the visitor-facing routes.
type Handler struct {
	service *Service
	limiter *ratelimit.Limiter
}

// NewHandler creates the visitor-facing HTTP handler.
func NewHandler(service *Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// RegisterRoutes sets up the waiting room routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	q := r.Group("/queue")
	q.POST("/join", h.limiter.Middleware(ratelimit.ProfileJoin), h.Join)
	q.GET("/status/:sessionID", h.limiter.Middleware(ratelimit.ProfileStream), h.Status)
	q.GET("/stream/:sessionID", h.limiter.Middleware(ratelimit.ProfileStream), h.Stream)

	r.GET("/pow/challenge", h.Challenge)
	r.POST("/captcha/verify", h.VerifyCaptcha)
	r.POST("/purchase", h.limiter.Middleware(ratelimit.ProfilePurchase), h.Purchase)
}

type joinRequest struct {
	Challenge string `json:"challenge" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
}

// Join handles POST /api/v1/queue/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Header order is left empty: net/http does not preserve the wire
	// order, and a randomized order would make the ordering signal fire
	// spuriously.
	result, err := h.service.Join(c.Request.Context(), JoinInput{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Headers:   c.Request.Header,
		Challenge: req.Challenge,
		Nonce:     req.Nonce,
	})
	if err != nil {
		if ge, ok := AsGateError(err); ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   ge.Code,
				"message": ge.Message,
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Status handles GET /api/v1/queue/status/:sessionID
func (h *Handler) Status(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed session id",
		})
		return
	}

	result, err := h.service.Status(c.Request.Context(), sessionID)
	if err != nil {
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

	c.JSON(http.StatusOK, result)
}

// Challenge handles GET /api/v1/pow/challenge
func (h *Handler) Challenge(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID != "" && !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed session id",
		})
		return
	}

	ch, difficulty, err := h.service.ChallengeFor(c.Request.Context(), sessionID)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge":  ch.Challenge,
		"difficulty": difficulty,
		"expiresAt":  ch.ExpiresAt,
	})
}

type captchaVerifyRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Challenge string `json:"challenge" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
}

// VerifyCaptcha handles POST /api/v1/captcha/verify
func (h *Handler) VerifyCaptcha(c *gin.Context) {
	var req captchaVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed session id",
		})
		return
	}

	result, err := h.service.VerifyCaptcha(c.Request.Context(), req.SessionID, req.Challenge, req.Nonce)
	if err != nil {
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

	c.JSON(http.StatusOK, result)
}

type purchaseRequest struct {
	AccessToken string `json:"accessToken" binding:"required"`
}

// Purchase handles POST /api/v1/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.Purchase(c.Request.Context(), req.AccessToken)
	if err != nil {
		if ge, ok := AsGateError(err); ok {
			status := http.StatusForbidden
			if ge.Code == "sold_out" || ge.Code == "sale_closed" {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{
				"error":   ge.Code,
				"message": ge.Message,
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
