// Package registry supplies dispatch pool and subscription definitions to
// the dispatch manager. Definitions are eventually consistent: changes
// apply on the next lookup or config sync.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.flowcatalyst.tech/dispatcher/internal/common/repository"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// ErrNotFound is returned when a pool or subscription does not exist or is not active
var ErrNotFound = repository.ErrNotFound

// Registry looks up dispatch definitions
type Registry interface {
	// Pool returns one pool by code
	Pool(ctx context.Context, code string) (*model.DispatchPool, error)

	// Pools returns every active pool, sorted by code
	Pools(ctx context.Context) ([]model.DispatchPool, error)

	// Subscription returns one subscription by id or code
	Subscription(ctx context.Context, id string) (*model.Subscription, error)
}

// Static serves definitions held in memory, typically from the config file
type Static struct {
	mu            sync.RWMutex
	pools         map[string]model.DispatchPool
	subscriptions map[string]*model.Subscription
}

var _ Registry = (*Static)(nil)

// NewStatic creates a registry over the given definitions
func NewStatic(pools []model.DispatchPool, subscriptions []model.Subscription) *Static {
	s := &Static{}
	s.Replace(pools, subscriptions)
	return s
}

// Replace swaps every definition at once
func (s *Static) Replace(pools []model.DispatchPool, subscriptions []model.Subscription) {
	p := make(map[string]model.DispatchPool, len(pools))
	for _, pool := range pools {
		p[pool.Code] = pool
	}

	subs := make(map[string]*model.Subscription, len(subscriptions)*2)
	for i := range subscriptions {
		sub := subscriptions[i]
		subs[sub.ID] = &sub
		if sub.Code != "" {
			if _, taken := subs[sub.Code]; !taken {
				subs[sub.Code] = &sub
			}
		}
	}

	s.mu.Lock()
	s.pools = p
	s.subscriptions = subs
	s.mu.Unlock()
}

// Pool returns a pool by code
func (s *Static) Pool(_ context.Context, code string) (*model.DispatchPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[code]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", code, ErrNotFound)
	}
	return &p, nil
}

// Pools returns all pools sorted by code
func (s *Static) Pools(_ context.Context) ([]model.DispatchPool, error) {
	s.mu.RLock()
	out := make([]model.DispatchPool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Subscription returns a subscription by id, falling back to code
func (s *Static) Subscription(_ context.Context, id string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}
