package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
)

// SessionStore abstracts storefront session CRUD so that sessions can be
// held in memory or in a storage.Repository.
type SessionStore interface {
	// Get returns the session for token, or ErrNoSession when it does not
	// exist or has expired.
	Get(ctx context.Context, token string) (Session, error)
	Put(ctx context.Context, token string, session Session) error
	Delete(ctx context.Context, token string) error
}

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on restart.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]Session
	now  func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		data: make(map[string]Session),
		now:  time.Now,
	}
}

func (s *MemorySessionStore) Get(ctx context.Context, token string) (Session, error) {
	s.mu.RLock()
	session, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNoSession
	}
	if !s.now().Before(session.ExpiresAt) {
		_ = s.Delete(ctx, token)
		return Session{}, ErrNoSession
	}
	return session, nil
}

func (s *MemorySessionStore) Put(ctx context.Context, token string, session Session) error {
	s.mu.Lock()
	s.data[token] = session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
	return nil
}

const (
	sessionBucket     = "__sessions"
	sessionRecordType = "SESSION"
)

// PersistentSessionStore keeps sessions in a storage.Repository so they
// survive restarts and are shared between processes.
type PersistentSessionStore struct {
	repo storage.Repository
	now  func() time.Time
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by repo.
func NewPersistentSessionStore(repo storage.Repository) *PersistentSessionStore {
	return &PersistentSessionStore{repo: repo, now: time.Now}
}

func (s *PersistentSessionStore) Get(ctx context.Context, token string) (Session, error) {
	rec, err := s.repo.Get(ctx, sessionBucket, sessionRecordType, token)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}
	var session Session
	if err := rec.Decode(&session); err != nil {
		_ = s.Delete(ctx, token)
		return Session{}, ErrNoSession
	}
	if !s.now().Before(session.ExpiresAt) {
		_ = s.Delete(ctx, token)
		return Session{}, ErrNoSession
	}
	return session, nil
}

func (s *PersistentSessionStore) Put(ctx context.Context, token string, session Session) error {
	rec, err := storage.NewJSONRecord(session)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, sessionBucket, sessionRecordType, token, rec)
}

func (s *PersistentSessionStore) Delete(ctx context.Context, token string) error {
	err := s.repo.Delete(ctx, sessionBucket, sessionRecordType, token)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil
	}
	return err
}
