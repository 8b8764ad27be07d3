package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderActorID carries the caller's identity when no token secret is set.
const HeaderActorID = "X-Actor-ID"

type actorKey struct{}

// ActorFrom returns the authenticated actor id, or "".
func ActorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

// WithActor attaches an actor id to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorResolver extracts the caller's identity. It establishes who is
// acting; permission checks are the caller's concern.
type ActorResolver struct {
	secret []byte
}

// NewActorResolver verifies HS256 bearer tokens when secret is non-empty and
// otherwise trusts the X-Actor-ID header.
func NewActorResolver(secret string) *ActorResolver {
	return &ActorResolver{secret: []byte(secret)}
}

// Resolve returns "" with a nil error when the request names no actor.
func (a *ActorResolver) Resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		return strings.TrimSpace(r.Header.Get(HeaderActorID)), nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("invalid Authorization header format (expected 'Bearer <token>')")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	return claims.Subject, nil
}

// Middleware stores the actor in the request context. Invalid credentials
// are rejected; missing ones pass through and handlers that mutate state
// demand an actor themselves.
func (a *ActorResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Resolve(r)
		if err != nil {
			WriteUnauthorized(w, r, err.Error())
			return
		}
		if actor != "" {
			r = r.WithContext(WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// requireActor writes a 401 and returns false when no actor is present.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := ActorFrom(r.Context())
	if actor == "" {
		WriteUnauthorized(w, r, "An actor identity is required for this operation")
		return "", false
	}
	return actor, true
}
