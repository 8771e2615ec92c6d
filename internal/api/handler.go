package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/service"
)

const (
	userIDHeader    = "X-User-ID"
	requestIDHeader = "X-Request-ID"
	userIDKey       = "userID"
)

type SessionService interface {
	CreateSession(ctx context.Context, userID, workspaceID string) (*service.CreateResult, error)
	GetSessionStatus(ctx context.Context, sessionID, userID string) (*service.SessionStatus, error)
	UpdateActivity(ctx context.Context, sessionID, userID, eventType string) error
	SaveSession(ctx context.Context, sessionID, userID string) (*service.SaveResult, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
	ListUserSessions(ctx context.Context, userID string) ([]models.WorkspaceSession, error)
}

// Streamer upgrades a request to the session's live event stream.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID, userID string)
}

type Handler struct {
	sessions SessionService
	streams  Streamer
	logger   zerolog.Logger
}

func NewHandler(sessions SessionService, streams Streamer, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		streams:  streams,
		logger:   logger.With().Str("component", "http-api").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api", h.requireUser)
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/activity", h.RecordActivity)
		api.POST("/sessions/:id/save", h.SaveSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.GET("/sessions/:id/ws", h.Stream)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireUser trusts the identity header set by the auth gateway in front of this service.
func (h *Handler) requireUser(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		h.errorResponse(c, http.StatusUnauthorized, "Missing user identity", nil)
		c.Abort()
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

func (h *Handler) CreateSession(c *gin.Context) {
	var body struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
			return
		}
	}

	res, err := h.sessions.CreateSession(c.Request.Context(), c.GetString(userIDKey), body.WorkspaceID)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListUserSessions(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) GetSession(c *gin.Context) {
	status, err := h.sessions.GetSessionStatus(c.Request.Context(), c.Param("id"), c.GetString(userIDKey))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) RecordActivity(c *gin.Context) {
	var body struct {
		EventType string `json:"eventType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.sessions.UpdateActivity(c.Request.Context(), c.Param("id"), c.GetString(userIDKey), body.EventType); err != nil {
		h.serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SaveSession(c *gin.Context) {
	res, err := h.sessions.SaveSession(c.Request.Context(), c.Param("id"), c.GetString(userIDKey))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Request.Context(), c.Param("id"), c.GetString(userIDKey)); err != nil {
		h.serviceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stream checks ownership before upgrading to a websocket.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	userID := c.GetString(userIDKey)
	status, err := h.sessions.GetSessionStatus(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if models.IsTerminalStatus(status.Session.Status) {
		h.errorResponse(c, http.StatusConflict, "Session is not running", nil)
		return
	}
	h.streams.Serve(c.Writer, c.Request, sessionID, userID)
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	h.errorResponse(c, code, message, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, service.ErrBusy), errors.Is(err, service.ErrNotRunning):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests"
	case errors.Is(err, service.ErrPortExhausted):
		return http.StatusServiceUnavailable, "No capacity available"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = c.GetString("requestID")
	}

	body := gin.H{
		"error":      message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"endpoint":   c.Request.URL.Path,
	}
	if err != nil {
		body["details"] = service.SanitizeError(err)
	}
	c.JSON(statusCode, body)
}

// RequestID tags every request with an id, reusing the caller's when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = fmt.Sprintf("%.8s", uuid.New().String())
		}
		c.Header(requestIDHeader, requestID)
		c.Set("requestID", requestID)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http-access").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("requestID")).
			Msg("HTTP request")
	}
}
