package events

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
)

// Store persists security events. Query returns events ordered by
// timestamp ascending.
type Store interface {
	Append(ctx context.Context, e SecurityEvent) error
	Query(ctx context.Context, f Filter) ([]SecurityEvent, error)
	// Prune removes events older than before and returns how many were
	// removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []SecurityEvent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Insert after any event with the same timestamp so arrival order is
	// kept for ties.
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp.After(e.Timestamp)
	})
	s.events = append(s.events, SecurityEvent{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = e
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SecurityEvent
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return applyLimit(out, f.Limit), nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(before)
	})
	s.events = append([]SecurityEvent(nil), s.events[i:]...)
	return i, nil
}

const (
	eventBucket     = "events"
	eventRecordType = "EVENT"
)

// RepositoryStore keeps events in a storage.Repository. Record IDs start
// with the zero-padded Unix nanosecond timestamp, so the repository's
// sorted List yields chronological order.
type RepositoryStore struct {
	repo storage.Repository
}

var _ Store = (*RepositoryStore)(nil)

// NewRepositoryStore returns a Store backed by repo.
func NewRepositoryStore(repo storage.Repository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func recordID(e SecurityEvent) string {
	return fmt.Sprintf("%020d-%s", e.Timestamp.UnixNano(), e.ID)
}

func recordTime(id string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (s *RepositoryStore) Append(ctx context.Context, e SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := storage.NewJSONRecord(e)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, eventBucket, eventRecordType, recordID(e), rec)
}

// timeKey is the ID prefix shared by every event recorded at t. It sorts
// before any full record ID with the same timestamp.
func timeKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

// Query reads only the records whose IDs fall inside [Since, Until).
func (s *RepositoryStore) Query(ctx context.Context, f Filter) ([]SecurityEvent, error) {
	var out []SecurityEvent
	err := s.repo.Range(ctx, eventBucket, eventRecordType, timeKey(f.Since), timeKey(f.Until), func(_ string, rec *storage.Record) error {
		var e SecurityEvent
		if err := rec.Decode(&e); err != nil {
			return nil
		}
		if f.Match(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyLimit(out, f.Limit), nil
}

func (s *RepositoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.repo.Update(ctx, eventBucket, func(tx storage.Tx) error {
		removed = 0
		ids, err := tx.List(eventRecordType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts, ok := recordTime(id)
			if !ok {
				continue
			}
			if !ts.Before(before) {
				break
			}
			if err := tx.Delete(eventRecordType, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
