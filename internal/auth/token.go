// ABOUTME: JWT token issuing and verification for observer and operator access
// ABOUTME: Uses HS256 signing with configurable secret and a scope claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrInvalidScope = errors.New("invalid scope")
)

// Scope limits what a token holder may do.
type Scope string

const (
	// ScopeObserve allows watching events and reading the REST API.
	ScopeObserve Scope = "observe"
	// ScopeOperate additionally allows issuing commands.
	ScopeOperate Scope = "operate"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeObserve, ScopeOperate:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// Allows reports whether a holder of s may act with need.
func (s Scope) Allows(need Scope) bool {
	if s == ScopeOperate {
		return true
	}
	return s == need
}

// Claims are the verified contents of a token.
type Claims struct {
	Subject string
	Scope   Scope
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the "sub" and "scope" claims
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	rawScope, ok := claims["scope"].(string)
	if !ok || rawScope == "" {
		return Claims{}, fmt.Errorf("%w: scope", ErrMissingClaim)
	}
	scope, err := ParseScope(rawScope)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return Claims{Subject: sub, Scope: scope}, nil
}

// Generate creates a new JWT for subject with the given scope and expiration
func (v *JWTVerifier) Generate(subject string, scope Scope, expiresIn time.Duration) (string, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": string(scope),
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
