// Package middleware provides the HTTP middleware that loads the auth
// session for each request, gates protected paths, and records request logs.
package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/healthmon/authgate/session"
)

type sessionContextKey struct{}
type identityContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess *session.AuthSession) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the AuthSession stored in ctx, if any.
func SessionFromContext(ctx context.Context) (*session.AuthSession, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.AuthSession)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// WithIdentity stores the authenticated identity in ctx.
func WithIdentity(ctx context.Context, id *session.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by Guard, if any.
func IdentityFromContext(ctx context.Context) (*session.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*session.Identity)
	if !ok || id == nil {
		return nil, false
	}
	return id, true
}

// RequestIDFromContext extracts the request ID set by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}
