package registry

import (
	"context"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

type cachedSubscription struct {
	sub     *model.Subscription
	expires time.Time
}

// Cached holds subscription lookups for a TTL so every message doesn't
// query the backing store. Pool lookups pass through.
type Cached struct {
	inner Registry
	ttl   time.Duration
	now   func() time.Time

	mu   sync.Mutex
	subs map[string]cachedSubscription
}

var _ Registry = (*Cached)(nil)

// NewCached wraps inner. A ttl <= 0 disables caching.
func NewCached(inner Registry, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
		subs:  make(map[string]cachedSubscription),
	}
}

func (c *Cached) Pool(ctx context.Context, code string) (*model.DispatchPool, error) {
	return c.inner.Pool(ctx, code)
}

func (c *Cached) Pools(ctx context.Context) ([]model.DispatchPool, error) {
	return c.inner.Pools(ctx)
}

// Subscription returns a cached copy when fresh. Misses and errors are not cached.
func (c *Cached) Subscription(ctx context.Context, id string) (*model.Subscription, error) {
	if c.ttl <= 0 {
		return c.inner.Subscription(ctx, id)
	}

	now := c.now()
	c.mu.Lock()
	if e, ok := c.subs[id]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		cp := *e.sub
		return &cp, nil
	}
	c.mu.Unlock()

	sub, err := c.inner.Subscription(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subs[id] = cachedSubscription{sub: sub, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	cp := *sub
	return &cp, nil
}

// Invalidate drops every cached subscription
func (c *Cached) Invalidate() {
	c.mu.Lock()
	clear(c.subs)
	c.mu.Unlock()
}
