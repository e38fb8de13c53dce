// Package auth issues and validates the instance's bearer credentials:
// argon2id password digests and HS256-signed JWT access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/paracord-chat/paracord/internal/snowflake"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures and claims
	// that fail to parse. Deliberately coarse so callers cannot distinguish
	// "no such user" from "bad token".
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired is returned for structurally valid but expired tokens.
	ErrTokenExpired = errors.New("token expired")
)

// HashPassword derives a salted argon2id digest from a plaintext password.
func HashPassword(password string) (string, error) {
	digest, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return digest, nil
}

// VerifyPassword reports whether password matches digest.
func VerifyPassword(password, digest string) bool {
	match, err := argon2id.ComparePasswordAndHash(password, digest)
	return err == nil && match
}

// CreateToken signs a bearer token for userID with the given lifetime.
func CreateToken(userID snowflake.ID, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// ValidateToken checks signature and expiry and returns the subject user id.
func ValidateToken(token string, secret []byte) (snowflake.ID, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return 0, ErrTokenInvalid
	}
	userID, err := snowflake.Parse(claims.Subject)
	if err != nil {
		return 0, ErrTokenInvalid
	}
	return userID, nil
}

// TokenIssuer binds the instance secret and expiry so call sites do not pass
// credentials around.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer from the configured secret and expiry.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Create signs a token for userID.
func (t *TokenIssuer) Create(userID snowflake.ID) (string, error) {
	return CreateToken(userID, t.secret, t.ttl)
}

// Validate checks a bearer token and returns the user it belongs to.
func (t *TokenIssuer) Validate(token string) (snowflake.ID, error) {
	return ValidateToken(token, t.secret)
}
