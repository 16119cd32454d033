// Package auth issues and verifies bearer tokens and hashes passwords.
// Tokens are HS256 JWTs carrying the user id as subject plus an admin
// flag; everything else about the user is looked up fresh per request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/open-notebook/open-notebook/pkg/models"
)

// ErrInvalidToken covers expired, malformed, and wrongly-signed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is what a verified token asserts about the caller.
type Claims struct {
	UserID  string
	IsAdmin bool
}

type tokenClaims struct {
	jwt.RegisteredClaims
	IsAdmin bool `json:"is_admin"`
}

// Issuer signs and verifies tokens under one HS256 secret.
type Issuer struct {
	secret  []byte
	expires time.Duration
}

// NewIssuer creates an Issuer. expiresMinutes bounds token lifetime.
func NewIssuer(secret string, expiresMinutes int) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	if expiresMinutes <= 0 {
		expiresMinutes = 60
	}
	return &Issuer{
		secret:  []byte(secret),
		expires: time.Duration(expiresMinutes) * time.Minute,
	}, nil
}

// Issue creates a signed token for the user.
func (i *Issuer) Issue(user *models.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expires)),
		},
		IsAdmin: user.IsAdmin,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Verify parses and validates a bearer token.
func (i *Issuer) Verify(token string) (*Claims, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: claims.Subject, IsAdmin: claims.IsAdmin}, nil
}
