package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sundayezeilo/tokengate/internal/errx"
)

/***************
 * Mocks
 ***************/

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memRepository is an in-memory Repository. Each *Func field, when set,
// replaces the default behavior of the matching method.
type memRepository struct {
	mu       sync.Mutex
	buckets  map[string]Bucket
	entries  []BlacklistEntry
	policies map[string]Policy

	getBucketCalls  int
	saveBucketCalls int

	getBucketFunc       func(ctx context.Context, subjectID string) (Bucket, error)
	saveBucketFunc      func(ctx context.Context, b Bucket) (Bucket, error)
	findBlacklistFunc   func(ctx context.Context, subjectID string, now time.Time) (BlacklistEntry, error)
	createBlacklistFunc func(ctx context.Context, e BlacklistEntry) (BlacklistEntry, error)
	getPolicyFunc       func(ctx context.Context, key string) (Policy, error)
	createPolicyFunc    func(ctx context.Context, key string, p Policy) (Policy, error)
	savePolicyFunc      func(ctx context.Context, key string, p Policy) (Policy, error)
	deleteBlacklistFunc func(ctx context.Context, subjectID string, now time.Time) (int64, error)
}

func newMemRepository() *memRepository {
	return &memRepository{
		buckets:  make(map[string]Bucket),
		policies: make(map[string]Policy),
	}
}

// withPolicy stores p as the global policy.
func (m *memRepository) withPolicy(p Policy) *memRepository {
	m.policies[GlobalPolicyKey] = p
	return m
}

func notFound(op string) error {
	return errx.E(op, errx.NotFound, errors.New("not found"))
}

func (m *memRepository) GetBucket(ctx context.Context, subjectID string) (Bucket, error) {
	m.mu.Lock()
	m.getBucketCalls++
	m.mu.Unlock()

	if m.getBucketFunc != nil {
		return m.getBucketFunc(ctx, subjectID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[subjectID]
	if !ok {
		return Bucket{}, notFound("mem.GetBucket")
	}
	return b, nil
}

func (m *memRepository) SaveBucket(ctx context.Context, b Bucket) (Bucket, error) {
	m.mu.Lock()
	m.saveBucketCalls++
	m.mu.Unlock()

	if m.saveBucketFunc != nil {
		return m.saveBucketFunc(ctx, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b.AttemptWindowStart != nil {
		start := *b.AttemptWindowStart
		b.AttemptWindowStart = &start
	}
	m.buckets[b.SubjectID] = b
	return b, nil
}

func (m *memRepository) ListBuckets(ctx context.Context) ([]Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (m *memRepository) FindActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (BlacklistEntry, error) {
	if m.findBlacklistFunc != nil {
		return m.findBlacklistFunc(ctx, subjectID, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.SubjectID == subjectID && e.Active(now) {
			return e, nil
		}
	}
	return BlacklistEntry{}, notFound("mem.FindActiveBlacklist")
}

func (m *memRepository) CreateBlacklist(ctx context.Context, e BlacklistEntry) (BlacklistEntry, error) {
	if m.createBlacklistFunc != nil {
		return m.createBlacklistFunc(ctx, e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memRepository) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlacklistEntry, len(m.entries))
	for i, e := range m.entries {
		out[len(m.entries)-1-i] = e
	}
	return out, nil
}

func (m *memRepository) DeleteActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	if m.deleteBlacklistFunc != nil {
		return m.deleteBlacklistFunc(ctx, subjectID, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.SubjectID == subjectID && e.Active(now) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memRepository) GetPolicy(ctx context.Context, key string) (Policy, error) {
	if m.getPolicyFunc != nil {
		return m.getPolicyFunc(ctx, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[key]
	if !ok {
		return Policy{}, notFound("mem.GetPolicy")
	}
	return p, nil
}

func (m *memRepository) CreatePolicy(ctx context.Context, key string, p Policy) (Policy, error) {
	if m.createPolicyFunc != nil {
		return m.createPolicyFunc(ctx, key, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[key]; ok {
		return Policy{}, errx.E("mem.CreatePolicy", errx.Conflict, errors.New("exists"))
	}
	m.policies[key] = p
	return p, nil
}

func (m *memRepository) SavePolicy(ctx context.Context, key string, p Policy) (Policy, error) {
	if m.savePolicyFunc != nil {
		return m.savePolicyFunc(ctx, key, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[key] = p
	return p, nil
}

func (m *memRepository) bucket(subjectID string) (Bucket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[subjectID]
	return b, ok
}

// captureRecorder keeps every recorded event.
type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *captureRecorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *captureRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func ptrTime(t time.Time) *time.Time { return &t }
