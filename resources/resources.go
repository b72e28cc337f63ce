// Package resources resolves app markup: fetchers read it from extension
// servers or a development directory, and Cache keeps the last value seen
// so renderers can show something while a fresh copy loads.
package resources

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-app-bridge/apps"
)

var (
	// ErrNotFound is returned when the resource does not exist.
	ErrNotFound = errors.New("resources: not found")
	// ErrNoMarkup is returned when the resource exists but carries no
	// renderable markup.
	ErrNoMarkup = errors.New("resources: resource has no app markup")
)

// Fetcher resolves the rendering content of an app resource.
type Fetcher interface {
	Fetch(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error)

func (f FetcherFunc) Fetch(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
	return f(ctx, extensionName, uri)
}

// Router sends each fetch to the fetcher registered for its extension, or
// to the fallback.
type Router struct {
	byExtension map[string]Fetcher
	fallback    Fetcher
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Fetcher) *Router {
	return &Router{byExtension: make(map[string]Fetcher), fallback: fallback}
}

// Handle routes extensionName to f. It must not be called concurrently with
// Fetch.
func (r *Router) Handle(extensionName string, f Fetcher) {
	r.byExtension[extensionName] = f
}

func (r *Router) Fetch(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
	if f, ok := r.byExtension[extensionName]; ok {
		return f.Fetch(ctx, extensionName, uri)
	}
	if r.fallback != nil {
		return r.fallback.Fetch(ctx, extensionName, uri)
	}
	return nil, ErrNotFound
}
