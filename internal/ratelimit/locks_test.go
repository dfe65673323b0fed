package ratelimit

import (
	"sync"
	"testing"
)

func TestSubjectLocks_SerializesSameSubject(t *testing.T) {
	locks := NewSubjectLocks(4)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("alice")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestSubjectLocks_Defaults(t *testing.T) {
	if got := len(NewSubjectLocks(0).stripes); got != DefaultLockStripes {
		t.Errorf("stripes = %d, want %d", got, DefaultLockStripes)
	}

	var nilLocks *SubjectLocks
	unlock := nilLocks.Lock("alice")
	unlock()
}

func TestSubjectLocks_DifferentSubjectsDoNotDeadlock(t *testing.T) {
	locks := NewSubjectLocks(1)

	unlock := locks.Lock("alice")
	unlock()
	unlock = locks.Lock("bob")
	unlock()
}
