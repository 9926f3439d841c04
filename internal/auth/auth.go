// Package auth models the authorization boundary of the service. Identity
// (token verification, password handling) lives in an external collaborator;
// this package only carries the resolved actor through the request and
// answers the owner-or-admin predicate the core gates every operation on.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// ErrForbidden is returned when an actor is not authorized for a resource.
var ErrForbidden = errors.New("forbidden")

// ErrUnauthenticated is returned when no actor could be resolved for a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Actor is the caller of an operation, as resolved by the identity service.
type Actor struct {
	ID    string
	Admin bool
}

// Authorized reports whether the actor may act on a resource owned by ownerID.
func (a Actor) Authorized(ownerID string) bool {
	return a.Admin || a.ID == ownerID
}

// Identifier resolves the actor behind an HTTP request. The production
// deployment plugs in the identity service's verifier here.
type Identifier interface {
	Identify(r *http.Request) (Actor, error)
}

// HeaderIdentifier trusts actor headers set by an authenticating proxy:
// X-Actor-Id carries the user id and X-Actor-Admin marks elevated callers.
type HeaderIdentifier struct{}

// Identify implements Identifier.
func (HeaderIdentifier) Identify(r *http.Request) (Actor, error) {
	id := r.Header.Get("X-Actor-Id")
	if id == "" {
		return Actor{}, ErrUnauthenticated
	}
	return Actor{ID: id, Admin: r.Header.Get("X-Actor-Admin") == "true"}, nil
}

type contextKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext extracts the actor placed on the context by the middleware.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
