package entitlement

import (
	"context"
	"sync"
	"time"

	"insightdash.io/internal/obs"
	"insightdash.io/internal/stream"
)

type entry struct {
	resolver *Resolver
	cancel   context.CancelFunc
	done     chan struct{}
	lastUsed time.Time
}

// Registry owns one Resolver per signed-in user. A resolver is created at
// session start, follows change notifications from the hub and is torn
// down at sign-out or after sitting idle.
type Registry struct {
	stores Stores
	hub    *stream.Hub
	opts   []Option
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds a registry. hub may be nil, in which case resolvers only
// refresh on demand.
func NewRegistry(stores Stores, hub *stream.Hub, opts ...Option) (*Registry, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	return &Registry{stores: stores, hub: hub, opts: opts, now: time.Now, entries: make(map[string]*entry)}, nil
}

// Acquire returns the user's resolver, creating and loading it on first use.
// A resolver whose first load fails is not registered. The change
// subscription is opened before the first load so nothing published in
// between is missed.
func (g *Registry) Acquire(ctx context.Context, userID string) (*Resolver, error) {
	if r, ok := g.Lookup(userID); ok {
		return r, nil
	}

	r, err := NewResolver(userID, g.stores, g.opts...)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	var changes <-chan stream.Change
	if g.hub != nil {
		changes = g.hub.Subscribe(watchCtx, r.UserID())
	}
	if err := r.Refresh(ctx); err != nil {
		cancel()
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[r.UserID()]; ok {
		cancel()
		e.lastUsed = g.now()
		return e.resolver, nil
	}
	e := &entry{resolver: r, cancel: cancel, done: make(chan struct{}), lastUsed: g.now()}
	if changes != nil {
		go func() {
			defer close(e.done)
			r.Watch(watchCtx, changes)
		}()
	} else {
		close(e.done)
	}
	g.entries[r.UserID()] = e
	return r, nil
}

// Lookup returns the resolver of a user without creating one.
func (g *Registry) Lookup(userID string) (*Resolver, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[userID]
	if !ok {
		return nil, false
	}
	e.lastUsed = g.now()
	return e.resolver, true
}

// Release tears down the user's resolver and its change subscription.
func (g *Registry) Release(userID string) {
	g.mu.Lock()
	e, ok := g.entries[userID]
	delete(g.entries, userID)
	g.mu.Unlock()
	if ok {
		e.cancel()
		<-e.done
	}
}

// EvictIdle releases every resolver not used for maxIdle and reports how many
// were dropped. Sessions that expire without a sign-out end up here.
func (g *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := g.now().Add(-maxIdle)
	g.mu.Lock()
	var idle []*entry
	for userID, e := range g.entries {
		if e.lastUsed.Before(cutoff) {
			idle = append(idle, e)
			delete(g.entries, userID)
		}
	}
	g.mu.Unlock()
	for _, e := range idle {
		e.cancel()
		<-e.done
	}
	return len(idle)
}

// RunEviction calls EvictIdle every interval until ctx ends.
func (g *Registry) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.EvictIdle(maxIdle); n > 0 {
				obs.Logger().Info("entitlement_resolvers_evicted", "count", n, "live", g.Len())
			}
		}
	}
}

// Len reports the number of live resolvers.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Close releases every resolver.
func (g *Registry) Close() {
	g.mu.Lock()
	entries := g.entries
	g.entries = make(map[string]*entry)
	g.mu.Unlock()
	for _, e := range entries {
		e.cancel()
		<-e.done
	}
}
