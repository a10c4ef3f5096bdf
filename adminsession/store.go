package adminsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
)

// Store persists admin sessions keyed by token digest.
type Store interface {
	// Create stores s after ending the oldest active sessions of s.UserID
	// until fewer than maxActive remain. Sessions already expired at now
	// do not count toward the cap. The whole operation is atomic with
	// respect to other Creates. It returns the sessions it evicted.
	Create(ctx context.Context, s Session, maxActive int, now time.Time) ([]Session, error)
	Get(ctx context.Context, digest string) (Session, error)
	Save(ctx context.Context, s Session) error
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	// Sweep deletes sessions that are inactive or expired at now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// evict decides which of a user's sessions must end so a new one fits
// under maxActive. existing is modified in place for the evicted entries.
func evict(existing []Session, maxActive int, now time.Time) []Session {
	var live []int
	for i, s := range existing {
		if s.Valid(now) {
			live = append(live, i)
		}
	}
	sort.SliceStable(live, func(a, b int) bool {
		return existing[live[a]].CreatedAt.Before(existing[live[b]].CreatedAt)
	})
	var evicted []Session
	for len(live) >= maxActive && len(live) > 0 {
		i := live[0]
		live = live[1:]
		existing[i].IsActive = false
		existing[i].EndReason = EndEvicted
		evicted = append(evicted, existing[i])
	}
	return evicted
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	byDigest map[string]Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDigest: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session, maxActive int, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []Session
	for _, cur := range m.byDigest {
		if cur.UserID == s.UserID {
			existing = append(existing, cur)
		}
	}
	evicted := evict(existing, maxActive, now)
	for _, e := range evicted {
		m.byDigest[e.TokenDigest] = e
	}
	s.Token = ""
	m.byDigest[s.TokenDigest] = s
	return evicted, nil
}

func (m *MemoryStore) Get(_ context.Context, digest string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDigest[digest]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Token = ""
	m.byDigest[s.TokenDigest] = s
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.byDigest {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for d, s := range m.byDigest {
		if !s.Valid(now) {
			delete(m.byDigest, d)
			n++
		}
	}
	return n, nil
}

func sortByCreated(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

const (
	sessionBucket     = "admin_sessions"
	sessionRecordType = "SESSION"
)

// RepositoryStore keeps admin sessions in a storage.Repository. Create runs
// as one repository transaction, so the per-user cap holds across
// processes sharing the repository.
type RepositoryStore struct {
	repo storage.Repository
}

var _ Store = (*RepositoryStore)(nil)

// NewRepositoryStore returns a Store backed by repo.
func NewRepositoryStore(repo storage.Repository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func putSession(tx storage.Tx, s Session) error {
	s.Token = ""
	rec, err := storage.NewJSONRecord(s)
	if err != nil {
		return err
	}
	return tx.Put(sessionRecordType, s.TokenDigest, rec)
}

func loadAll(tx storage.Tx) ([]Session, error) {
	digests, err := tx.List(sessionRecordType)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(digests))
	for _, d := range digests {
		rec, err := tx.Get(sessionRecordType, d)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var s Session
		if err := rec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding admin session: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RepositoryStore) Create(ctx context.Context, s Session, maxActive int, now time.Time) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var evicted []Session
	err := r.repo.Update(ctx, sessionBucket, func(tx storage.Tx) error {
		all, err := loadAll(tx)
		if err != nil {
			return err
		}
		var existing []Session
		for _, cur := range all {
			if cur.UserID == s.UserID {
				existing = append(existing, cur)
			}
		}
		evicted = evict(existing, maxActive, now)
		for _, e := range evicted {
			if err := putSession(tx, e); err != nil {
				return err
			}
		}
		return putSession(tx, s)
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (r *RepositoryStore) Get(ctx context.Context, digest string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	rec, err := r.repo.Get(ctx, sessionBucket, sessionRecordType, digest)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := rec.Decode(&s); err != nil {
		return Session{}, fmt.Errorf("decoding admin session: %w", err)
	}
	return s, nil
}

func (r *RepositoryStore) Save(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.repo.Update(ctx, sessionBucket, func(tx storage.Tx) error {
		return putSession(tx, s)
	})
}

func (r *RepositoryStore) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Session
	err := r.repo.Update(ctx, sessionBucket, func(tx storage.Tx) error {
		all, err := loadAll(tx)
		if err != nil {
			return err
		}
		for _, s := range all {
			if s.UserID == userID {
				out = append(out, s)
			}
		}
		return nil
	})
	sortByCreated(out)
	return out, err
}

func (r *RepositoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := r.repo.Update(ctx, sessionBucket, func(tx storage.Tx) error {
		removed = 0
		all, err := loadAll(tx)
		if err != nil {
			return err
		}
		for _, s := range all {
			if s.Valid(now) {
				continue
			}
			if err := tx.Delete(sessionRecordType, s.TokenDigest); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
