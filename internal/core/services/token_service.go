package services

import (
	"context"
	"errors"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/pkg/cache"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrTokenMismatch = errors.New("token does not match session")
)

// PeerClaims bind a bearer to one role of one session.
type PeerClaims struct {
	Code   domain.SessionCode `json:"code"`
	Role   domain.Role        `json:"role"`
	PeerID domain.PeerID      `json:"peer_id"`
	jwt.RegisteredClaims
}

type TokenService interface {
	Issue(code domain.SessionCode, role domain.Role, peerID domain.PeerID) (string, error)
	Validate(tokenString string) (*PeerClaims, error)
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) TokenService {
	if ttl <= 0 {
		ttl = domain.SessionTTL + 5*time.Minute
	}
	return &tokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *tokenService) Issue(code domain.SessionCode, role domain.Role, peerID domain.PeerID) (string, error) {
	if !role.Valid() {
		return "", domain.ErrInvalidRole
	}
	now := s.now()
	claims := &PeerClaims{
		Code:   code,
		Role:   role,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(peerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) Validate(tokenString string) (*PeerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PeerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*PeerClaims)
	if !ok || !token.Valid || !claims.Role.Valid() || claims.Code == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// cachedTokenService memoizes validated claims so long-poll peers do not
// re-verify the signature on every request. Entries never outlive the
// token's own expiry.
type cachedTokenService struct {
	TokenService
	cache  *cache.Cache[*PeerClaims]
	maxTTL time.Duration
	now    func() time.Time
}

// NewCachedTokenService wraps inner with a claims cache. Stop the returned
// cache when the service is no longer used.
func NewCachedTokenService(inner TokenService, maxTTL time.Duration, maxEntries int) (TokenService, *cache.Cache[*PeerClaims]) {
	c := cache.New[*PeerClaims](maxTTL, cache.WithMaxEntries[*PeerClaims](maxEntries))
	return &cachedTokenService{TokenService: inner, cache: c, maxTTL: maxTTL, now: time.Now}, c
}

func (s *cachedTokenService) Validate(tokenString string) (*PeerClaims, error) {
	return s.cache.GetOrLoad(context.Background(), tokenString, func(context.Context) (*PeerClaims, time.Duration, error) {
		claims, err := s.TokenService.Validate(tokenString)
		if err != nil {
			return nil, 0, err
		}
		ttl := s.maxTTL
		if claims.ExpiresAt != nil {
			ttl = min(ttl, claims.ExpiresAt.Sub(s.now()))
		}
		return claims, ttl, nil
	})
}
