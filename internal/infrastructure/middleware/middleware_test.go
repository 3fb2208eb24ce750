package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/services"
	apperrors "remotelink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPeerAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("secret", time.Minute)
	valid, err := tokens.Issue("482913", domain.RoleHost, "host_1")
	require.NoError(t, err)

	newRouter := func(required bool) *gin.Engine {
		r := gin.New()
		r.Use(PeerAuthMiddleware(tokens, required))
		r.GET("/x", func(c *gin.Context) {
			claims, ok := PeerClaims(c)
			if !ok {
				c.String(http.StatusOK, "anonymous")
				return
			}
			c.String(http.StatusOK, string(claims.Role))
		})
		return r
	}

	tests := []struct {
		name     string
		required bool
		header   string
		status   int
		body     string
	}{
		{"optional without token", false, "", http.StatusOK, "anonymous"},
		{"optional with token", false, "Bearer " + valid, http.StatusOK, "host"},
		{"required without token", true, "", http.StatusUnauthorized, ""},
		{"malformed header", false, "Token abc", http.StatusUnauthorized, ""},
		{"invalid token", false, "Bearer abc", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newRouter(tt.required).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			} else {
				assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Error)
			}
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	r.GET("/app", func(c *gin.Context) {
		_ = c.Error(apperrors.NewConflictError("session already joined"))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeError(t, w)
	assert.False(t, body.Success)
	assert.Equal(t, "CONFLICT", body.Error)
	assert.Equal(t, "session already joined", body.Message)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w).Error)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	r.GET("/panic", func(c *gin.Context) { panic("bad handler") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTracingMiddleware_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TracingMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestErrorHandlerMiddleware_DomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrSessionExpired, http.StatusNotFound, "EXPIRED"},
		{domain.ErrSessionConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrSessionClosed, http.StatusConflict, "CONFLICT"},
		{domain.ErrPermissionForbidden, http.StatusForbidden, "FORBIDDEN"},
		{domain.ErrCodeSpaceExhausted, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"},
		{fmt.Errorf("join: %w", domain.ErrInvalidRole), http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
			r.GET("/", func(c *gin.Context) { _ = c.Error(tc.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decodeError(t, w).Error)
		})
	}
}

func TestPeerAuthMiddleware_QueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("secret", time.Minute)
	valid, err := tokens.Issue("482913", domain.RoleClient, "client_1")
	require.NoError(t, err)

	r := gin.New()
	r.Use(PeerAuthMiddleware(tokens, true))
	r.GET("/ws", func(c *gin.Context) {
		claims, _ := PeerClaims(c)
		c.String(http.StatusOK, string(claims.Role))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?access_token="+valid, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client", w.Body.String())
}

func TestResolveRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("secret", time.Minute)
	hostToken, err := tokens.Issue("482913", domain.RoleHost, "host_1")
	require.NoError(t, err)

	r := gin.New()
	r.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	r.Use(PeerAuthMiddleware(tokens, false))
	r.GET("/role", func(c *gin.Context) {
		role, err := ResolveRole(c, domain.SessionCode(c.Query("code")), c.Query("role"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.String(http.StatusOK, string(role))
	})

	tests := []struct {
		name   string
		url    string
		token  string
		status int
		body   string
	}{
		{"token wins over named role", "/role?code=482913&role=client", hostToken, http.StatusOK, "host"},
		{"token for another session", "/role?code=111111", hostToken, http.StatusForbidden, ""},
		{"named role", "/role?code=482913&role=client", "", http.StatusOK, "client"},
		{"missing role", "/role?code=482913", "", http.StatusBadRequest, ""},
		{"bad role", "/role?code=482913&role=admin", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}
