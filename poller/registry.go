package poller

import (
	"sort"
	"sync"
)

// Registry keeps one Resolver per token so sessions for different tokens
// never interfere. Starting a token that is already polling replaces only
// that token's session.
type Registry struct {
	opts []Option

	mu        sync.Mutex
	resolvers map[string]*Resolver
}

// NewRegistry builds a Registry whose resolvers share opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:      opts,
		resolvers: make(map[string]*Resolver),
	}
}

// Start begins polling req.Token. Idle resolvers are dropped from the
// registry once their session ends.
func (g *Registry) Start(req Request) error {
	token := req.Token
	onResolved, onTimeout := req.OnResolved, req.OnTimeout

	g.mu.Lock()
	defer g.mu.Unlock()

	resolver, ok := g.resolvers[token]
	if !ok {
		resolver = NewResolver(g.opts...)
	}
	req.OnResolved = func(token, state string) {
		g.prune(token, resolver)
		if onResolved != nil {
			onResolved(token, state)
		}
	}
	req.OnTimeout = func(token string) {
		g.prune(token, resolver)
		if onTimeout != nil {
			onTimeout(token)
		}
	}
	if err := resolver.Start(req); err != nil {
		return err
	}
	g.resolvers[token] = resolver
	return nil
}

// Stop cancels the session for token and reports whether one was active.
func (g *Registry) Stop(token string) bool {
	g.mu.Lock()
	resolver, ok := g.resolvers[token]
	if ok {
		delete(g.resolvers, token)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	active := resolver.State() == StatePolling
	resolver.Stop()
	return active
}

// StopAll cancels every active session.
func (g *Registry) StopAll() {
	g.mu.Lock()
	resolvers := g.resolvers
	g.resolvers = make(map[string]*Resolver)
	g.mu.Unlock()

	for _, resolver := range resolvers {
		resolver.Stop()
	}
}

// Snapshot returns the active session for token.
func (g *Registry) Snapshot(token string) (Snapshot, bool) {
	g.mu.Lock()
	resolver, ok := g.resolvers[token]
	g.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return resolver.Snapshot()
}

// Active lists the tokens currently polling, sorted.
func (g *Registry) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tokens := make([]string, 0, len(g.resolvers))
	for token, resolver := range g.resolvers {
		if resolver.State() == StatePolling {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens
}

func (g *Registry) prune(token string, resolver *Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.resolvers[token]; ok && current == resolver && resolver.State() == StateIdle {
		delete(g.resolvers, token)
	}
}
