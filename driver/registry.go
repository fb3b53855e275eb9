package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps carrier names to openers.
type Registry struct {
	openers map[string]Opener
	mu      sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		openers: make(map[string]Opener),
	}
}

// Register installs opener for carrier, replacing any previous one.
func (r *Registry) Register(carrier string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[carrier] = opener
}

// Lookup returns the opener for carrier.
func (r *Registry) Lookup(carrier string) (Opener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opener, ok := r.openers[carrier]
	return opener, ok
}

// Carriers lists registered carrier names in sorted order.
func (r *Registry) Carriers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.openers))
	for name := range r.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens a device using the opener registered for opts.Carrier.
func (r *Registry) Open(ctx context.Context, opts Options) (Device, error) {
	opener, ok := r.Lookup(opts.Carrier)
	if !ok {
		return nil, fmt.Errorf("unknown carrier %q (registered: %v)", opts.Carrier, r.Carriers())
	}
	return opener(ctx, opts)
}

// Default is the process-wide registry populated by carrier packages in init.
var Default = NewRegistry()

// Register installs opener in the default registry.
func Register(carrier string, opener Opener) {
	Default.Register(carrier, opener)
}

// Open opens a device through the default registry.
func Open(ctx context.Context, opts Options) (Device, error) {
	return Default.Open(ctx, opts)
}
