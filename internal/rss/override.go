package rss

import (
	"context"
	"strings"
	"sync"
)

// Override fetches feeds that need special handling instead of a plain GET.
type Override interface {
	Fetch(ctx context.Context, d Descriptor) (*Result, error)
}

// OverrideFunc adapts a function to the Override interface.
type OverrideFunc func(ctx context.Context, d Descriptor) (*Result, error)

func (f OverrideFunc) Fetch(ctx context.Context, d Descriptor) (*Result, error) {
	return f(ctx, d)
}

// Registry maps hosts to overrides.
type Registry struct {
	mu     sync.RWMutex
	byHost map[string]Override
}

func NewRegistry() *Registry {
	return &Registry{byHost: make(map[string]Override)}
}

// Register installs o for host. Hosts compare case-insensitively.
func (r *Registry) Register(host string, o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[strings.ToLower(host)] = o
}

// Lookup returns the override registered for host, if any.
func (r *Registry) Lookup(host string) (Override, bool) {
	if r == nil || host == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byHost[strings.ToLower(host)]
	return o, ok
}
