package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
//
// Entries are lost on restart and are not shared between processes; use
// RedisStore when several consumers share a queue. Expired entries are
// swept at most once per cleanup interval, on the write path.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]time.Time // messageID -> expiry
	nextSweep time.Time
	opts      *options
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts...)
	return &MemoryStore{
		entries:   make(map[string]time.Time),
		nextSweep: o.now().Add(o.cleanupInterval),
		opts:      o,
	}
}

// IsDuplicate claims messageID unless a live claim or processed mark exists
func (s *MemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	s.sweep(now)
	if expiry, ok := s.entries[messageID]; ok && now.Before(expiry) {
		return true, nil
	}
	s.entries[messageID] = now.Add(s.opts.claimTTL)
	return false, nil
}

// MarkProcessed remembers messageID for the store's TTL
func (s *MemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrEmptyMessageID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.now()
	s.sweep(now)
	s.entries[messageID] = now.Add(s.opts.ttl)
	return nil
}

// Remove forgets messageID
func (s *MemoryStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, messageID)
	return nil
}

// Len returns the number of live entries and drops expired ones
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(s.opts.now())
	return len(s.entries)
}

// sweep drops expired entries once the cleanup interval has passed.
// Callers hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.expire(now)
	s.nextSweep = now.Add(s.opts.cleanupInterval)
}

func (s *MemoryStore) expire(now time.Time) {
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
