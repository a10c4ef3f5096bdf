package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
)

// ErrAlertNotFound is returned when an alert ID does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// AlertFilter selects alerts for List. Zero fields match everything.
type AlertFilter struct {
	UnresolvedOnly bool
	UserID         string
	IP             string
}

func (f AlertFilter) match(a Alert) bool {
	if f.UnresolvedOnly && a.Resolved {
		return false
	}
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.IP != "" && a.IP != f.IP {
		return false
	}
	return true
}

// AlertStore persists alerts. List returns alerts oldest first.
type AlertStore interface {
	Save(ctx context.Context, a Alert) error
	Get(ctx context.Context, id string) (Alert, error)
	List(ctx context.Context, f AlertFilter) ([]Alert, error)
	Resolve(ctx context.Context, id string, at time.Time) (Alert, error)
}

func sortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
}

// MemoryAlertStore is an in-process AlertStore.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
}

var _ AlertStore = (*MemoryAlertStore)(nil)

// NewMemoryAlertStore returns an empty MemoryAlertStore.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]Alert)}
}

func (s *MemoryAlertStore) Save(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%s: %w", id, ErrAlertNotFound)
	}
	return a, nil
}

func (s *MemoryAlertStore) List(_ context.Context, f AlertFilter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, a := range s.alerts {
		if f.match(a) {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryAlertStore) Resolve(_ context.Context, id string, at time.Time) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%s: %w", id, ErrAlertNotFound)
	}
	if !a.Resolved {
		a.Resolved = true
		a.ResolvedAt = &at
		s.alerts[id] = a
	}
	return a, nil
}

const (
	alertBucket     = "alerts"
	alertRecordType = "ALERT"
)

// RepositoryAlertStore keeps alerts in a storage.Repository.
type RepositoryAlertStore struct {
	repo storage.Repository
}

var _ AlertStore = (*RepositoryAlertStore)(nil)

// NewRepositoryAlertStore returns an AlertStore backed by repo.
func NewRepositoryAlertStore(repo storage.Repository) *RepositoryAlertStore {
	return &RepositoryAlertStore{repo: repo}
}

func (s *RepositoryAlertStore) Save(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := storage.NewJSONRecord(a)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, alertBucket, alertRecordType, a.ID, rec)
}

func (s *RepositoryAlertStore) Get(ctx context.Context, id string) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, err
	}
	rec, err := s.repo.Get(ctx, alertBucket, alertRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Alert{}, fmt.Errorf("%s: %w", id, ErrAlertNotFound)
	}
	if err != nil {
		return Alert{}, err
	}
	var a Alert
	if err := rec.Decode(&a); err != nil {
		return Alert{}, fmt.Errorf("decoding alert %s: %w", id, err)
	}
	return a, nil
}

func (s *RepositoryAlertStore) List(ctx context.Context, f AlertFilter) ([]Alert, error) {
	ids, err := s.repo.List(ctx, alertBucket, alertRecordType)
	if err != nil {
		return nil, err
	}
	var out []Alert
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if errors.Is(err, ErrAlertNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.match(a) {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *RepositoryAlertStore) Resolve(ctx context.Context, id string, at time.Time) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return Alert{}, err
	}
	var out Alert
	err := s.repo.Update(ctx, alertBucket, func(tx storage.Tx) error {
		rec, err := tx.Get(alertRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrAlertNotFound)
		}
		if err != nil {
			return err
		}
		if err := rec.Decode(&out); err != nil {
			return fmt.Errorf("decoding alert %s: %w", id, err)
		}
		if out.Resolved {
			return nil
		}
		out.Resolved = true
		out.ResolvedAt = &at
		updated, err := storage.NewJSONRecord(out)
		if err != nil {
			return err
		}
		return tx.Put(alertRecordType, id, updated)
	})
	return out, err
}
