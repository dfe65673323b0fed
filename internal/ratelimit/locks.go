package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultLockStripes is used when NewSubjectLocks is given n <= 0.
const DefaultLockStripes = 256

// SubjectLocks serializes work per subject inside one process. Subjects hash
// onto a fixed set of mutexes, so unrelated subjects may share a stripe.
// A nil *SubjectLocks locks nothing.
type SubjectLocks struct {
	stripes []sync.Mutex
}

// NewSubjectLocks returns n striped mutexes.
func NewSubjectLocks(n int) *SubjectLocks {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &SubjectLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for subjectID and returns its unlock func.
func (l *SubjectLocks) Lock(subjectID string) (unlock func()) {
	if l == nil || len(l.stripes) == 0 {
		return func() {}
	}
	mu := &l.stripes[xxhash.Sum64String(subjectID)%uint64(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
