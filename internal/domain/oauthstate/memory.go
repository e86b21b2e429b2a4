package oauthstate

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type memoryEntry struct {
	userID    int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store backed by a mutex-guarded map with a
// background sweeper for expired entries. Suitable for single-instance
// deployments; multi-instance deployments should use RedisStore so the
// callback can land on any instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) Put(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memoryEntry{userID: userID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, token string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.entries[token]
	if !found {
		return 0, false, nil
	}
	delete(s.entries, token)

	if time.Now().After(entry.expiresAt) {
		return 0, false, nil
	}
	return entry.userID, true, nil
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for token, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, token)
				}
			}
			s.mu.Unlock()
		}
	}
}
