package middleware

import (
	"errors"
	"strings"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/services"
	apperrors "remotelink/pkg/errors"
	"remotelink/pkg/logger"
	"remotelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	peerClaimsKey    = "peer_claims"
	accessTokenParam = "access_token"
)

// PeerAuthMiddleware validates an optional bearer peer token. A missing
// token passes through unless required is set; a present but invalid
// token is always rejected. Browsers cannot set headers on a WebSocket
// upgrade, so the access_token query parameter is accepted as well.
func PeerAuthMiddleware(tokens services.TokenService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query(accessTokenParam)
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
				return
			}
			raw = parts[1]
		}
		if raw == "" {
			if required {
				abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
				return
			}
			c.Next()
			return
		}

		claims, err := tokens.Validate(raw)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				msg = "token expired"
			}
			abortWithError(c, apperrors.NewUnauthorizedError(msg))
			return
		}

		c.Set(peerClaimsKey, claims)
		ctx := logger.WithValue(c.Request.Context(), logger.SessionCodeKey, string(claims.Code))
		ctx = logger.WithValue(ctx, logger.RoleKey, string(claims.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PeerClaims returns the claims stored by PeerAuthMiddleware.
func PeerClaims(c *gin.Context) (*services.PeerClaims, bool) {
	v, ok := c.Get(peerClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.PeerClaims)
	return claims, ok
}

// ResolveRole decides which side of code the caller speaks for. A token
// wins over the role the caller names and must be bound to the same code.
func ResolveRole(c *gin.Context, code domain.SessionCode, named string) (domain.Role, error) {
	if claims, ok := PeerClaims(c); ok {
		if claims.Code != code {
			return "", apperrors.NewForbiddenError("token is bound to another session")
		}
		return claims.Role, nil
	}
	if err := validation.ValidateRole(named); err != nil {
		return "", apperrors.NewInvalidInputError(err.Error())
	}
	return domain.Role(named), nil
}
