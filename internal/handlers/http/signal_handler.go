package http

import (
	"context"
	"net/http"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/core/services"
	"remotelink/internal/infrastructure/middleware"
	apperrors "remotelink/pkg/errors"
	"remotelink/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SignalRequest struct {
	Code    domain.SessionCode    `json:"code"`
	Role    string                `json:"role,omitempty"`
	Message *domain.SignalMessage `json:"message"`
}

type SignalResponse struct {
	Success bool                  `json:"success"`
	Message *domain.SignalMessage `json:"message,omitempty"`
}

// waitPoller is implemented by mailboxes that accept a per-call wait.
type waitPoller interface {
	PollWait(ctx context.Context, code domain.SessionCode, role domain.Role, wait time.Duration) (*domain.SignalMessage, error)
}

type RelayMetrics interface {
	SignalRelayed(t domain.SignalType)
}

// SignalHandler is the short-poll signaling transport.
type SignalHandler struct {
	mailbox      ports.SignalingChannel
	sessions     ports.SessionService
	tokens       services.TokenService
	requireToken bool
	maxWait      time.Duration
	metrics      RelayMetrics
	logger       *zap.SugaredLogger
}

func NewSignalHandler(
	mailbox ports.SignalingChannel,
	sessions ports.SessionService,
	tokens services.TokenService,
	requireToken bool,
	maxWait time.Duration,
	metrics RelayMetrics,
	logger *zap.SugaredLogger,
) *SignalHandler {
	return &SignalHandler{
		mailbox:      mailbox,
		sessions:     sessions,
		tokens:       tokens,
		requireToken: requireToken,
		maxWait:      maxWait,
		metrics:      metrics,
		logger:       logger,
	}
}

func (h *SignalHandler) SetupRoutes(router gin.IRouter) {
	g := router.Group("/signal")
	g.Use(middleware.PeerAuthMiddleware(h.tokens, h.requireToken))
	g.POST("", h.Send)
	g.GET("", h.Poll)
	g.DELETE("", h.Release)
}

func (h *SignalHandler) Send(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}
	role, ok := h.resolve(c, string(req.Code), req.Role)
	if !ok {
		return
	}
	if req.Message == nil {
		_ = c.Error(apperrors.NewInvalidInputError("message is required"))
		return
	}
	if err := req.Message.Validate(); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.mailbox.Send(c.Request.Context(), req.Code, role, req.Message); err != nil {
		_ = c.Error(err)
		return
	}
	if h.metrics != nil {
		h.metrics.SignalRelayed(req.Message.Type)
	}
	c.JSON(http.StatusAccepted, SignalResponse{Success: true})
}

// Poll answers 200 with the next message or 204 once the wait elapses.
func (h *SignalHandler) Poll(c *gin.Context) {
	code := c.Query("code")
	role, ok := h.resolve(c, code, c.Query("role"))
	if !ok {
		return
	}

	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			_ = c.Error(apperrors.NewInvalidInputError("wait must be a non-negative duration"))
			return
		}
		wait = min(d, h.maxWait)
	}

	var (
		msg *domain.SignalMessage
		err error
	)
	if wp, ok := h.mailbox.(waitPoller); ok {
		msg, err = wp.PollWait(c.Request.Context(), domain.SessionCode(code), role, wait)
	} else {
		msg, err = h.mailbox.Poll(c.Request.Context(), domain.SessionCode(code), role)
	}
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Caller went away.
			c.Status(http.StatusNoContent)
			return
		}
		_ = c.Error(err)
		return
	}
	if msg == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, SignalResponse{Success: true, Message: msg})
}

func (h *SignalHandler) Release(c *gin.Context) {
	code := c.Query("code")
	role, ok := h.resolve(c, code, c.Query("role"))
	if !ok {
		return
	}
	if err := h.mailbox.Release(c.Request.Context(), domain.SessionCode(code), role); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// resolve validates the code, resolves the role and checks the session is
// still live.
func (h *SignalHandler) resolve(c *gin.Context, code, named string) (domain.Role, bool) {
	if err := validation.ValidateSessionCode(code); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	role, err := middleware.ResolveRole(c, domain.SessionCode(code), named)
	if err != nil {
		_ = c.Error(err)
		return "", false
	}
	if _, err := h.sessions.Get(c.Request.Context(), domain.SessionCode(code)); err != nil {
		_ = c.Error(err)
		return "", false
	}
	return role, true
}
