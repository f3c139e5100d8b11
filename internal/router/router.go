// Package router implements the Model Router (spec.md §4.6): a static
// alias-to-backend table built once at startup, mapping a client-supplied
// model alias to the provider and backend model name that will actually
// serve the request. Grounded on the teacher's internal/models/registry.go
// mutex-guarded lookup pattern, simplified here because the routing table
// itself is fixed at construction time rather than fetched and refreshed
// from a remote catalog.
package router

import (
	"sort"
	"sync"

	"github.com/nexusgate/dialectproxy/internal/proxyerr"
	"github.com/nexusgate/dialectproxy/internal/types"
)

// Route is one resolved routing decision: which provider serves the
// request, and under what backend model name.
type Route struct {
	Provider     types.Provider
	BackendModel string
}

// entry is one row of the static routing table.
type entry struct {
	provider     types.Provider
	backendModel string
}

// Router holds the frozen alias table. Safe for concurrent reads from every
// request goroutine; the table is never mutated after NewRouter returns.
type Router struct {
	mu    sync.RWMutex
	table map[string]entry
}

// NewRouter builds a Router from a static alias table, e.g. parsed once
// from configuration at startup (spec.md §6.3).
func NewRouter(aliases map[string]Route) *Router {
	r := &Router{table: make(map[string]entry, len(aliases))}
	for alias, route := range aliases {
		r.table[alias] = entry{provider: route.Provider, backendModel: route.BackendModel}
	}
	return r
}

// Route resolves a client-supplied model alias. Unknown aliases are an
// UnsupportedModel error (spec.md §4.6, §7) — the router never guesses a
// fallback provider.
func (r *Router) Route(alias string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.table[alias]
	if !ok {
		return Route{}, proxyerr.New(proxyerr.UnsupportedModel, "no route configured for model \""+alias+"\"").WithField("model")
	}
	return Route{Provider: e.provider, BackendModel: e.backendModel}, nil
}

// Aliases returns the sorted set of known aliases, for the /v1/models
// listing endpoint (spec.md's supplemented models-listing feature).
func (r *Router) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.table))
	for alias := range r.table {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
