package meetings

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aura-webinar/attendance/internal/attendance"
)

// slot is the exclusive-access scope for one meeting plus its cached ledger.
type slot struct {
	sem     *semaphore.Weighted
	ledger  *attendance.Ledger
	version int64
}

// Registry hands out one lock per meeting (thread-safe). Unrelated meetings never contend.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) getOrCreate(meetingID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[meetingID]; ok {
		return s
	}
	s := &slot{sem: semaphore.NewWeighted(1)}
	r.slots[meetingID] = s
	return s
}

func (r *Registry) isCurrent(meetingID string, s *slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[meetingID] == s
}

// Do runs fn while holding the meeting's lock. ctx bounds only the wait for the lock.
func (r *Registry) Do(ctx context.Context, meetingID string, fn func(*slot) error) error {
	for {
		s := r.getOrCreate(meetingID)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("lock meeting %s: %w", meetingID, err)
		}
		// Evict may have replaced the slot while we waited.
		if !r.isCurrent(meetingID, s) {
			s.sem.Release(1)
			continue
		}
		err := fn(s)
		s.sem.Release(1)
		return err
	}
}

// Evict drops the meeting's cached ledger and lock, e.g. after teardown.
func (r *Registry) Evict(ctx context.Context, meetingID string) error {
	r.mu.Lock()
	s, ok := r.slots[meetingID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("lock meeting %s: %w", meetingID, err)
	}
	r.mu.Lock()
	if r.slots[meetingID] == s {
		delete(r.slots, meetingID)
	}
	r.mu.Unlock()
	s.ledger = nil
	s.sem.Release(1)
	return nil
}

// Len returns the number of meetings currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
