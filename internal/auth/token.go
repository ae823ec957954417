package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes access vs refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

const issuer = "carechat"

// Claims represents the JWT claims carried by marketplace access tokens
type Claims struct {
	jwt.RegisteredClaims
	UserID   string    `json:"uid,omitempty"`
	Username string    `json:"username,omitempty"`
	Type     TokenType `json:"type,omitempty"`
}

// Identity returns the user id, falling back to the standard subject claim
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// TokenService signs and validates HS256 access tokens.
// The relay uses it to authenticate peers; tests use it to mint credentials.
type TokenService struct {
	signingKey     []byte
	accessTokenTTL time.Duration
}

// NewTokenService creates a new token service
func NewTokenService(signingKey string) (*TokenService, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 characters")
	}
	return &TokenService{
		signingKey:     []byte(signingKey),
		accessTokenTTL: 24 * time.Hour,
	}, nil
}

// WithTTL returns a copy of the service issuing tokens valid for ttl
func (s *TokenService) WithTTL(ttl time.Duration) *TokenService {
	cp := *s
	cp.accessTokenTTL = ttl
	return &cp
}

// GenerateAccessToken creates a short-lived access token
func (s *TokenService) GenerateAccessToken(userID, username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		UserID:   userID,
		Username: username,
		Type:     TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// ValidateAccessToken parses and validates an access token
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return nil, errors.New("not an access token")
	}

	if claims.Identity() == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
