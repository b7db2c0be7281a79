package risk

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waitgate/waitgate/internal/session"
	"github.com/waitgate/waitgate/internal/validation"
)

// Handler provides HTTP endpoints for client-submitted evidence.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new evidence handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the evidence submission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fingerprint", h.SubmitFingerprint)
	r.POST("/telemetry", h.SubmitTelemetry)
}

type fingerprintRequest struct {
	SessionID   string      `json:"sessionId" binding:"required"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// SubmitFingerprint handles POST /api/v1/fingerprint
func (h *Handler) SubmitFingerprint(c *gin.Context) {
	var req fingerprintRequest
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
	ctx := c.Request.Context()

	analysis := AnalyzeActive(req.Fingerprint)
	score, err := h.engine.RecordEvidence(ctx, req.SessionID, LayerActive, "fingerprint", analysis.Score, analysis.Evidence())
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "Unknown session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if hash := req.Fingerprint.DeviceHash(); h.engine.NoteDevice(hash, req.SessionID) {
		if s, err := h.engine.RecordDuplicateDevice(ctx, req.SessionID, hash); err == nil {
			score = s
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"score": score,
		"level": string(h.engine.Level(score)),
	})
}

type telemetryRequest struct {
	SessionID string    `json:"sessionId" binding:"required"`
	Telemetry Telemetry `json:"telemetry"`
}

// SubmitTelemetry handles POST /api/v1/telemetry
func (h *Handler) SubmitTelemetry(c *gin.Context) {
	var req telemetryRequest
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

	analysis := AnalyzeBehavior(req.Telemetry)
	score, err := h.engine.RecordEvidence(c.Request.Context(), req.SessionID, LayerBehavior, "telemetry", analysis.Score, analysis.Evidence())
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "Unknown session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"score": score,
		"level": string(h.engine.Level(score)),
	})
}
