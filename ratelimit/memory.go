package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryStripes = 64

// MemoryStore is an in-process CounterStore. Entries expire from the
// underlying go-cache once their window has passed; the cache janitor
// removes them every cleanup interval.
type MemoryStore struct {
	cache   *gocache.Cache
	stripes [memoryStripes]sync.Mutex
}

var _ CounterStore = (*MemoryStore)(nil)

// NewMemoryStore returns a MemoryStore whose janitor runs every
// cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%memoryStripes]
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return Record{}, false, nil
	}
	return v.(Record), true, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	var (
		rec   Record
		found bool
	)
	if v, ok := s.cache.Get(key); ok {
		rec, found = v.(Record), true
	}
	rec = next(rec, found, key, window, now)
	s.cache.Set(key, rec, ttl(rec, now))
	return rec, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	s.cache.Delete(key)
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

// ttl keeps an entry for the remainder of its window plus a grace second so
// an entry is never evicted while Check could still count it.
func ttl(rec Record, now time.Time) time.Duration {
	d := rec.ExpiresAt.Sub(now) + time.Second
	if d <= 0 {
		return time.Second
	}
	return d
}
