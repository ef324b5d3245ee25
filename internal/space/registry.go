package space

import (
	"context"
	"sync"

	"github.com/mewspace/gateway/internal/config"
)

// Registry holds every space served by this gateway process. Spaces are
// constructed from configuration at startup; connecting to an unknown
// space fails rather than creating one implicitly.
type Registry struct {
	mu     sync.RWMutex
	spaces map[string]*Space

	deps           Deps
	env            string
	allowedOrigins []string
}

// NewRegistry builds all configured spaces.
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	r := &Registry{
		spaces:         make(map[string]*Space),
		deps:           deps,
		env:            cfg.Gateway.Env,
		allowedOrigins: cfg.Gateway.AllowedOrigins,
	}
	for _, sc := range cfg.Spaces {
		r.spaces[sc.Name] = New(sc, deps)
	}
	return r
}

// Get returns a space by name.
func (r *Registry) Get(name string) (*Space, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.spaces[name]
	return sp, ok
}

// Names lists configured spaces.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.spaces))
	for name := range r.spaces {
		out = append(out, name)
	}
	return out
}

// Run starts every space scheduler and blocks until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	r.mu.RLock()
	for _, sp := range r.spaces {
		wg.Add(1)
		go func(sp *Space) {
			defer wg.Done()
			sp.Run(ctx)
		}(sp)
	}
	r.mu.RUnlock()
	wg.Wait()
}

// Close shuts every space down.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sp := range r.spaces {
		sp.Close()
	}
}
