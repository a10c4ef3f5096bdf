// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/gatekeeper/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(ctx context.Context, bucket, recordType, recordID string, record *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(bucket, recordType, recordID, record)
}

func (r *Repository) putLocked(bucket, recordType, recordID string, record *storage.Record) error {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Record)
	}
	r.data[bucket][makeKey(recordType, recordID)] = record.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, bucket, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(bucket, recordType, recordID)
}

func (r *Repository) getLocked(bucket, recordType, recordID string) (*storage.Record, error) {
	bucketData, ok := r.data[bucket]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	rec, ok := bucketData[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(bucket, recordType), nil
}

func (r *Repository) listLocked(bucket, recordType string) []string {
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[bucket] {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids
}

// Range copies the matching records under the read lock and calls fn after
// releasing it, so fn may use the repository.
func (r *Repository) Range(ctx context.Context, bucket, recordType, from, to string, fn storage.RangeFunc) error {
	type entry struct {
		id  string
		rec *storage.Record
	}
	r.mu.RLock()
	var matched []entry
	prefix := recordType + ":"
	for k, rec := range r.data[bucket] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if id := k[len(prefix):]; storage.InRange(id, from, to) {
			matched = append(matched, entry{id: id, rec: rec.Clone()})
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.id, e.rec); err != nil {
			if errors.Is(err, storage.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Repository) Delete(_ context.Context, bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(bucket, recordType, recordID)
}

func (r *Repository) deleteLocked(bucket, recordType, recordID string) error {
	bucketData, ok := r.data[bucket]
	if !ok {
		return storage.ErrBucketNotFound
	}
	k := makeKey(recordType, recordID)
	if _, ok := bucketData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(bucketData, k)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getLocked(bucket, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(bucket, recordType, recordID, record)
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(bucket, recordType, recordID, record)
}

// Update executes fn within a transaction. On error, all writes are rolled back.
func (r *Repository) Update(ctx context.Context, bucket string, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotBucket(bucket)

	tx := &memoryTx{repo: r, bucket: bucket}
	if err := fn(tx); err != nil {
		r.restoreBucket(bucket, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotBucket(bucket string) map[string]*storage.Record {
	original, ok := r.data[bucket]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreBucket(bucket string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, bucket)
	} else {
		r.data[bucket] = snapshot
	}
}

type memoryTx struct {
	repo   *Repository
	bucket string
}

func (tx *memoryTx) Get(recordType, recordID string) (*storage.Record, error) {
	rec, err := tx.repo.getLocked(tx.bucket, recordType, recordID)
	if err == storage.ErrBucketNotFound {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (tx *memoryTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(tx.bucket, recordType, recordID, record)
}

func (tx *memoryTx) Delete(recordType, recordID string) error {
	err := tx.repo.deleteLocked(tx.bucket, recordType, recordID)
	if err == storage.ErrBucketNotFound {
		return storage.ErrNotFound
	}
	return err
}

func (tx *memoryTx) List(recordType string) ([]string, error) {
	return tx.repo.listLocked(tx.bucket, recordType), nil
}
