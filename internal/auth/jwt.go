// Package auth verifies the bearer tokens that identify callers on both the
// REST surface and the live-connection upgrade. Token issuance belongs to the
// account service; Sign exists for tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when a request carries no token at all.
var ErrMissingToken = errors.New("auth: missing token")

// Claims identify the caller.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens with a shared secret.
type JWT struct {
	secret []byte
}

// NewJWT returns a JWT helper for secret.
func NewJWT(secret string) *JWT { return &JWT{secret: []byte(secret)} }

// Sign issues a token for userID valid for ttl.
func (j *JWT) Sign(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return s, nil
}

// Parse verifies token and returns its claims.
func (j *JWT) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("auth: parse: %w", err)
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if c.UserID == "" {
		c.UserID = c.Subject
	}
	if c.UserID == "" {
		return nil, errors.New("auth: token has no user")
	}
	return c, nil
}

// TokenFromRequest extracts a token from the Authorization header or, for
// live-connection upgrades where browsers cannot set headers, the "token"
// query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), nil
		}
		return "", errors.New("auth: malformed Authorization header")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// Authenticate extracts and verifies the caller's token.
func (j *JWT) Authenticate(r *http.Request) (*Claims, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return j.Parse(tok)
}

type ctxKey struct{}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}
