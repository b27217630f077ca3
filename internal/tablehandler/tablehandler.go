// Package tablehandler defines the pluggable per-table extension point
// that the Commit Ingestor and Pull Planner consult to resolve scopes
// and page bootstrap rows. Concrete handlers (one per synced table) are
// supplied by the application embedding the sync core, the same way
// Authenticate and blob storage are external collaborators; the core
// only depends on this interface.
package tablehandler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/scope"
)

// ErrNoHandler is returned by Registry.Get when no handler is
// registered for a table name.
var ErrNoHandler = errors.New("tablehandler: no handler registered")

// Page is one page of bootstrap rows for a subscription.
type Page struct {
	Rows          []json.RawMessage
	NextPageToken string
	Done          bool
}

// Handler implements scope resolution and bootstrap paging for one table.
type Handler interface {
	// Table returns the table name this handler owns.
	Table() string

	// ResolveScopes narrows a requested scope spec to the subset the
	// principal is actually authorized to read. It returns the
	// resolved (possibly narrower) spec. An empty result with no error
	// means the principal has no access at all.
	ResolveScopes(ctx context.Context, principal *authn.Principal, requested scope.Spec) (scope.Spec, error)

	// RowScopes computes the scope spec to attach to a row at commit
	// time, from the row's own JSON content and the owning partition.
	RowScopes(ctx context.Context, partitionID string, row json.RawMessage) (scope.Spec, error)

	// FetchBootstrapPage returns up to limit rows visible under
	// scopeKeys, continuing from pageToken ("" to start).
	FetchBootstrapPage(ctx context.Context, partitionID string, scopeKeys []scope.Key, params json.RawMessage, pageToken string, limit int) (Page, error)
}

// Registry maps table names to their Handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a set of handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Table()] = h
	}
	return r
}

// Get returns the handler for table, or ErrNoHandler.
func (r *Registry) Get(table string) (Handler, error) {
	h, ok := r.handlers[table]
	if !ok {
		return nil, ErrNoHandler
	}
	return h, nil
}

// Tables returns the names of every registered table, used by the
// console's GET /handlers endpoint.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	return tables
}
