package http

import (
	"net/http"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/internal/core/services"
	"remotelink/internal/infrastructure/middleware"
	apperrors "remotelink/pkg/errors"
	"remotelink/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ActionCreate     = "create"
	ActionJoin       = "join"
	ActionUpdate     = "update"
	ActionDisconnect = "disconnect"
)

type SessionRequest struct {
	Action      string              `json:"action"`
	Code        domain.SessionCode  `json:"code,omitempty"`
	HostID      domain.PeerID       `json:"hostId,omitempty"`
	ClientID    domain.PeerID       `json:"clientId,omitempty"`
	Role        string              `json:"role,omitempty"`
	Permissions *domain.Permissions `json:"permissions,omitempty"`
}

type SessionResponse struct {
	Success bool            `json:"success"`
	Session *domain.Session `json:"session"`
	Token   string          `json:"token,omitempty"`
}

type SessionHandler struct {
	sessions     ports.SessionService
	tokens       services.TokenService
	requireToken bool
	logger       *zap.SugaredLogger
}

func NewSessionHandler(sessions ports.SessionService, tokens services.TokenService, requireToken bool, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		tokens:       tokens,
		requireToken: requireToken,
		logger:       logger,
	}
}

// SetupRoutes mounts /session. PeerAuthMiddleware runs optionally here
// because create and join are how peers obtain a token.
func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	auth := middleware.PeerAuthMiddleware(h.tokens, false)
	router.POST("/session", auth, h.Post)
	router.GET("/session", auth, h.Get)
}

func (h *SessionHandler) Post(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}

	switch req.Action {
	case ActionCreate:
		h.create(c, req)
	case ActionJoin:
		h.join(c, req)
	case ActionUpdate:
		h.update(c, req)
	case ActionDisconnect:
		h.disconnect(c, req)
	case "":
		_ = c.Error(apperrors.NewInvalidInputError("action is required"))
	default:
		_ = c.Error(apperrors.NewInvalidInputError("unknown action " + req.Action))
	}
}

func (h *SessionHandler) create(c *gin.Context, req SessionRequest) {
	if err := validation.ValidatePeerID(string(req.HostID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	s, err := h.sessions.Create(c.Request.Context(), req.HostID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respondWithToken(c, http.StatusCreated, s, domain.RoleHost)
}

func (h *SessionHandler) join(c *gin.Context, req SessionRequest) {
	if err := validation.ValidateSessionCode(string(req.Code)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePeerID(string(req.ClientID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	s, err := h.sessions.Join(c.Request.Context(), req.Code, req.ClientID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respondWithToken(c, http.StatusOK, s, domain.RoleClient)
}

func (h *SessionHandler) update(c *gin.Context, req SessionRequest) {
	role, ok := h.authorize(c, req)
	if !ok {
		return
	}
	if req.Permissions == nil {
		_ = c.Error(apperrors.NewInvalidInputError("permissions are required"))
		return
	}
	s, err := h.sessions.UpdatePermissions(c.Request.Context(), req.Code, role, *req.Permissions)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, Session: s})
}

func (h *SessionHandler) disconnect(c *gin.Context, req SessionRequest) {
	role, ok := h.authorize(c, req)
	if !ok {
		return
	}
	s, err := h.sessions.Disconnect(c.Request.Context(), req.Code, role)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, Session: s})
}

func (h *SessionHandler) Get(c *gin.Context) {
	code := c.Query("code")
	if err := validation.ValidateSessionCode(code); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	s, err := h.sessions.Get(c.Request.Context(), domain.SessionCode(code))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, Session: s})
}

// authorize validates the code and resolves the caller's role for the
// mutating actions that need one.
func (h *SessionHandler) authorize(c *gin.Context, req SessionRequest) (domain.Role, bool) {
	if err := validation.ValidateSessionCode(string(req.Code)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	if _, ok := middleware.PeerClaims(c); !ok && h.requireToken {
		_ = c.Error(apperrors.NewUnauthorizedError("peer token required"))
		return "", false
	}
	role, err := middleware.ResolveRole(c, req.Code, req.Role)
	if err != nil {
		_ = c.Error(err)
		return "", false
	}
	return role, true
}

func (h *SessionHandler) respondWithToken(c *gin.Context, status int, s *domain.Session, role domain.Role) {
	token, err := h.tokens.Issue(s.Code, role, s.PeerFor(role))
	if err != nil {
		h.logger.Errorw("failed to issue peer token", "session_code", s.Code, "role", role, "error", err)
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}
	c.JSON(status, SessionResponse{Success: true, Session: s, Token: token})
}
