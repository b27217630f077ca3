// Package authn defines the Principal type and the Authenticate
// extension point the sync core consumes: the authentication provider
// is an external collaborator, reached only through an
// Authenticate(Context) -> Principal? function. It also ships a
// reference API-key verifier and JWT-based session implementation so
// cmd/syncular-server has something concrete to wire by default.
package authn

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthenticated is returned by an Authenticate implementation (or
// synthesized by callers) when no principal could be resolved.
var ErrUnauthenticated = errors.New("authn: unauthenticated")

// Principal is the resolved identity of an authenticated caller.
type Principal struct {
	ActorID     string
	PartitionID string
	IsAdmin     bool
	KeyType     string // "relay", "proxy", "admin", or "" for end-user sessions
	ScopeKeys   []string
}

// Authenticate resolves the caller of an HTTP request (or, for
// WebSocket sessions, the request that performed the upgrade) to a
// Principal. A nil Principal with a nil error is never valid — return
// ErrUnauthenticated instead.
type Authenticate func(ctx context.Context, r *http.Request) (*Principal, error)
