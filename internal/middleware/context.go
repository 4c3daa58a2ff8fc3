package middleware

import (
	"context"

	"github.com/medigate/medigate/internal/models"
	"github.com/medigate/medigate/internal/service"
)

type contextKey string

const (
	claimsContextKey  contextKey = "claims"
	sessionContextKey contextKey = "session"
)

// WithClaims attaches verified token claims to the context the same way
// RequireAuth does.
func WithClaims(ctx context.Context, claims *service.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// WithSession attaches a session to the context.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// ClaimsFromContext returns the verified token claims attached by
// RequireAuth, or nil if the request did not pass through it.
func ClaimsFromContext(ctx context.Context) *service.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*service.Claims)
	return claims
}

// SessionFromContext returns the session attached to the request, or nil if
// no session could be attached or created.
func SessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionContextKey).(*models.Session)
	return session
}
