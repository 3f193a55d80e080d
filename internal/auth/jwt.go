// Package auth issues and checks the credentials that identify a session.
//
// FLOW:
//  1. The user signs up or logs in (email/password or GitHub).
//  2. The server opens a session and issues a JWT whose subject is the user
//     id and whose "jti" is the session id. It is stored in an HttpOnly cookie.
//  3. RequireAuth validates the cookie on every API call and puts the
//     identity in the request context.
//  4. Logout closes the session and clears the cookie.
//
// The token alone proves who the caller is. The session it names holds the
// live ledger; if the server restarted and lost it, a still-valid token can
// resume it under the same id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "expense-tracker"

// TokenService signs and verifies session tokens with an HMAC secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. Generate with
// JWT_SECRET=$(openssl rand -hex 32).
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token TTL must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL is the lifetime of tokens from Generate.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Claims is what a valid token tells us about the caller.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Generate signs a token for userID's session sessionID that expires at
// expiresAt. Sessions and tokens share one expiry.
func (s *TokenService) Generate(userID, sessionID string, expiresAt time.Time) (string, error) {
	now := time.Now()
	c := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    issuer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer, algorithm and expiry.
//
// jwt.WithValidMethods pins HS256 so a token claiming "alg":"none" or an
// asymmetric algorithm is rejected before the key func runs.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	var c jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if c.Subject == "" || c.ID == "" {
		return nil, errors.New("auth: token has no subject or session")
	}

	return &Claims{
		UserID:    c.Subject,
		SessionID: c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
