package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/gatekeeper/storage"
)

const (
	counterBucket     = "ratelimit"
	counterRecordType = "COUNTER"
)

// RepositoryStore keeps counters in a storage.Repository so several
// gatekeeper processes can share them. Increments run inside a repository
// transaction.
type RepositoryStore struct {
	repo storage.Repository
}

var _ CounterStore = (*RepositoryStore)(nil)

// NewRepositoryStore returns a CounterStore backed by repo.
func NewRepositoryStore(repo storage.Repository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func (s *RepositoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	rec, err := s.repo.Get(ctx, counterBucket, counterRecordType, key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var out Record
	if err := rec.Decode(&out); err != nil {
		return Record{}, false, fmt.Errorf("decoding counter %s: %w", key, err)
	}
	return out, true, nil
}

func (s *RepositoryStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var out Record
	err := s.repo.Update(ctx, counterBucket, func(tx storage.Tx) error {
		var (
			cur   Record
			found bool
		)
		rec, err := tx.Get(counterRecordType, key)
		switch {
		case err == nil:
			if err := rec.Decode(&cur); err != nil {
				return fmt.Errorf("decoding counter %s: %w", key, err)
			}
			found = true
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		out = next(cur, found, key, window, now)
		updated, err := storage.NewJSONRecord(out)
		if err != nil {
			return err
		}
		return tx.Put(counterRecordType, key, updated)
	})
	return out, err
}

func (s *RepositoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.repo.Delete(ctx, counterBucket, counterRecordType, key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil
	}
	return err
}

// Sweep deletes every counter whose window ended before now and returns
// how many were removed.
func (s *RepositoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.repo.Update(ctx, counterBucket, func(tx storage.Tx) error {
		removed = 0
		keys, err := tx.List(counterRecordType)
		if err != nil {
			return err
		}
		for _, key := range keys {
			rec, err := tx.Get(counterRecordType, key)
			if err != nil {
				continue
			}
			var r Record
			if err := rec.Decode(&r); err != nil || now.After(r.ExpiresAt) {
				if err := tx.Delete(counterRecordType, key); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
