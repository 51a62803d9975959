package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService signs and verifies the HS256 tokens handed out by web
// login. A zero ttl issues tokens without an expiry claim.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService builds a token helper with the given secret and ttl.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type webClaims struct {
	Mode string `json:"mode,omitempty"`
	jwt.RegisteredClaims
}

// Issue mints a signed token for the given subject.
func (s *TokenService) Issue(subject string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrUnauthorized
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("token subject required")
	}

	now := s.now()
	claims := webClaims{
		Mode: "webchat",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns its subject.
func (s *TokenService) Validate(token string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(token, &webClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*webClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
