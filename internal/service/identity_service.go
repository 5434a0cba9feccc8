package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-sync/internal/domain"
)

// IdentityService valida los tokens del proveedor de autenticación y los convierte en una domain.Identity.
type IdentityService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// IdentityClaims solo transporta el identificador opaco del usuario.
type IdentityClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

var (
	ErrIdentityInvalid = errors.New("identity token invalid")
	ErrIdentityExpired = errors.New("identity token expired")
)

func NewIdentityService(secret, issuer string, ttl time.Duration) *IdentityService {
	if issuer == "" {
		issuer = "chat-sync"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdentityService{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue firma un token para userID; lo usan el CLI y los tests como proveedor de desarrollo.
func (s *IdentityService) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if len(s.secret) == 0 || userID == "" {
		return "", ErrIdentityInvalid
	}
	now := time.Now().UTC()
	claims := IdentityClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify devuelve la identidad autenticada contenida en el token.
func (s *IdentityService) Verify(token string) (domain.Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return domain.Anonymous, ErrIdentityInvalid
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Anonymous, ErrIdentityInvalid
	}

	var claims IdentityClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Anonymous, ErrIdentityExpired
		}
		return domain.Anonymous, ErrIdentityInvalid
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID || claims.Issuer != s.issuer {
		return domain.Anonymous, ErrIdentityInvalid
	}
	return domain.Authenticated(claims.UserID), nil
}
