// Package fetch defines the request, caller identity and fetcher contracts
// for reading data from a remote service.
package fetch

import (
	"context"
	"maps"
)

// Request identifies what to fetch: a remote method and its parameters.
// Treat a Request as immutable once built; use NewRequest to take a private
// copy of the parameters.
type Request struct {
	Method string
	Params map[string]any
}

// NewRequest builds a Request holding its own copy of params.
func NewRequest(method string, params map[string]any) Request {
	return Request{Method: method, Params: maps.Clone(params)}
}

// Identity describes the caller a fetch is made on behalf of.
type Identity struct {
	UserID string
	// Origin is the caller's network address.
	Origin string
}

// Fetcher performs the actual remote call. It has no caching or logging
// responsibility and should fail with a *Error of KindFetch.
type Fetcher[V any] interface {
	Get(ctx context.Context, req Request) (V, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc[V any] func(ctx context.Context, req Request) (V, error)

// Get calls f(ctx, req).
func (f FetcherFunc[V]) Get(ctx context.Context, req Request) (V, error) {
	return f(ctx, req)
}
