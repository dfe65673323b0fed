package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sundayezeilo/tokengate/internal/errx"
)

// PolicyProvider hands out the current policy.
type PolicyProvider interface {
	Current(ctx context.Context) (Policy, error)
	// Invalidate forces the next Current to read the store.
	Invalidate()
}

// PolicyCache loads the global policy row, creating it from Seed when it does
// not exist yet, and keeps it for TTL. A TTL of 0 reads the store every time.
type PolicyCache struct {
	repo  Repository
	seed  Policy
	ttl   time.Duration
	clock Clock

	mu       sync.RWMutex
	cached   Policy
	loadedAt time.Time
	valid    bool
}

// PolicyCacheConfig holds configuration for the policy cache.
type PolicyCacheConfig struct {
	Repo  Repository
	Seed  *Policy // default: DefaultPolicy()
	TTL   time.Duration
	Clock Clock
}

// NewPolicyCache creates a PolicyCache.
func NewPolicyCache(cfg PolicyCacheConfig) *PolicyCache {
	seed := DefaultPolicy()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	ttl := cfg.TTL
	if ttl < 0 {
		ttl = 0
	}

	return &PolicyCache{
		repo:  cfg.Repo,
		seed:  seed,
		ttl:   ttl,
		clock: clock,
	}
}

func (c *PolicyCache) Current(ctx context.Context) (Policy, error) {
	const op = "ratelimit.PolicyCache.Current"

	if p, ok := c.fresh(); ok {
		return p, nil
	}

	p, err := c.load(ctx)
	if err != nil {
		return Policy{}, errx.E(op, errx.KindOf(err), err)
	}

	c.mu.Lock()
	c.cached = p
	c.loadedAt = c.clock.Now()
	c.valid = true
	c.mu.Unlock()

	return p, nil
}

func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *PolicyCache) fresh() (Policy, bool) {
	if c.ttl == 0 {
		return Policy{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || c.clock.Now().Sub(c.loadedAt) >= c.ttl {
		return Policy{}, false
	}
	return c.cached, true
}

func (c *PolicyCache) load(ctx context.Context) (Policy, error) {
	p, err := c.repo.GetPolicy(ctx, GlobalPolicyKey)
	if err == nil {
		return p, nil
	}
	if !errx.Is(err, errx.NotFound) {
		return Policy{}, err
	}

	p, err = c.repo.CreatePolicy(ctx, GlobalPolicyKey, c.seed)
	if err == nil {
		return p, nil
	}
	// Another instance created the row first.
	if errx.Is(err, errx.Conflict) {
		return c.repo.GetPolicy(ctx, GlobalPolicyKey)
	}
	return Policy{}, err
}
