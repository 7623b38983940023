// Package session issues and verifies the signed claim-session tokens used
// by workspace claiming. Tokens are HS256 JWTs carried in a cookie; the
// subject identifies the claim holder across requests.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie the claim subject travels in.
const CookieName = "carrel_session"

const minSecretLength = 32

var (
	ErrInvalidSecret = errors.New("session secret must be at least 32 bytes")
	ErrInvalidToken  = errors.New("invalid session token")
	ErrExpiredToken  = errors.New("session token has expired")
	ErrNoSession     = errors.New("no session token present")
)

// Config holds the signing parameters.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "carrel"
	}
	if c.Audience == "" {
		c.Audience = "carrel"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * 24 * time.Hour
	}
}

// Claims is the registered-claims payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// Service signs and verifies session tokens.
type Service struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// New creates a Service. The secret must be long enough to make HS256
// brute-forcing pointless.
func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, ErrInvalidSecret
	}
	cfg.applyDefaults()
	return &Service{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
	}, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for subject, valid from now for the configured TTL.
func (s *Service) Issue(subject string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject extracts the verified claim subject from the request cookie.
func (s *Service) Subject(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", ErrNoSession
	}
	claims, err := s.Verify(cookie.Value)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Cookie builds the Set-Cookie value for a freshly issued token.
func (s *Service) Cookie(token string, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(s.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
