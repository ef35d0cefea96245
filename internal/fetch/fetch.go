// Package fetch defines the execution seam between the orchestration core
// and whatever actually retrieves content. The core hands a Fetcher a target
// and stores whatever comes back, without looking inside.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownHandler means a job named a handler nobody registered. This is a
// configuration problem, surfaced at claim time.
var ErrUnknownHandler = errors.New("fetch: unknown handler")

// Fetcher executes one fetch against a target. The returned payload is
// opaque to callers; errors signal a (possibly transient) execution failure.
type Fetcher interface {
	Execute(ctx context.Context, target string) (json.RawMessage, error)
}

// Factory resolves a handler identifier to an execution capability.
type Factory func(handler string) (Fetcher, error)

// Registry is a Factory backed by an explicit name -> Fetcher map.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: map[string]Fetcher{}}
}

func (r *Registry) Register(name string, f Fetcher) {
	r.mu.Lock()
	r.fetchers[name] = f
	r.mu.Unlock()
}

// Resolve implements Factory.
func (r *Registry) Resolve(handler string) (Fetcher, error) {
	r.mu.RLock()
	f := r.fetchers[handler]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}
	return f, nil
}

// Handlers lists registered handler names, sorted.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, target string) (json.RawMessage, error)

func (f FetcherFunc) Execute(ctx context.Context, target string) (json.RawMessage, error) {
	return f(ctx, target)
}
