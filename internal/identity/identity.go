// Package identity resolves the caller of an HTTP request to a stable user
// id. Bearer tokens (HS256 JWT, "sub" claim) are used when a signing secret
// is configured; otherwise a trusted upstream proxy supplies the id in a
// header.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

var (
	ErrMissingIdentity = errors.New("identity: no authenticated user")
	ErrInvalidToken    = errors.New("identity: invalid bearer token")
)

type ctxKey struct{}

// WithUser returns a copy of ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFromContext returns the user id stored by the middleware.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Resolver resolves a request to a user id.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver trusts identity headers set by an authenticating proxy.
// X-User-ID wins over X-User-Email.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		return id, nil
	}
	if email := strings.TrimSpace(r.Header.Get(HeaderUserEmail)); email != "" {
		return strings.ToLower(email), nil
	}
	return "", ErrMissingIdentity
}

// JWTResolver validates an HS256 bearer token and returns its subject.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver verifying tokens with secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrMissingIdentity
	}

	token, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return sub, nil
}

// NewResolver picks the JWT resolver when a secret is configured, else the
// trusted-header resolver.
func NewResolver(jwtSecret string) Resolver {
	if jwtSecret != "" {
		return NewJWTResolver(jwtSecret)
	}
	return HeaderResolver{}
}

// Middleware rejects requests without a resolvable identity with 401 and
// stores the user id in the request context.
func Middleware(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := res.Resolve(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"authentication required","kind":"unauthenticated"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
