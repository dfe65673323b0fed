// Package throttle keeps an in-memory token bucket per key for callers that
// have not authenticated, keyed by client IP.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Store holds one rate.Limiter per key and forgets keys idle for longer than
// the idle TTL.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*entry
	limit        rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Option func(*Store)

func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) Option {
	return func(s *Store) { s.cleanupEvery = d }
}

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore allows perSecond events per key with the given burst.
func NewStore(perSecond float64, burst int, opts ...Option) *Store {
	s := &Store{
		entries:      make(map[string]*entry),
		limit:        rate.Limit(perSecond),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.lastSeen = now
		return e.lim
	}

	lim := rate.NewLimiter(s.limit, s.burst)
	s.entries[key] = &entry{lim: lim, lastSeen: now}
	return lim
}

// Allow consumes one event for key and reports whether it fit.
func (s *Store) Allow(key string) bool {
	now := s.now()
	return s.get(key, now).AllowN(now, 1)
}

// Exhausted reports whether key has no whole event left, without consuming.
func (s *Store) Exhausted(key string) bool {
	now := s.now()
	return s.get(key, now).TokensAt(now) < 1
}

// Penalize consumes one event for key.
func (s *Store) Penalize(key string) {
	s.Allow(key)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup drops keys not seen within the idle TTL.
func (s *Store) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
