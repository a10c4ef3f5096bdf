// Package storagetest holds the conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/storage"
)

func record(t *testing.T, v any, version ...uint64) *storage.Record {
	t.Helper()
	rec, err := storage.NewJSONRecord(v, version...)
	require.NoError(t, err)
	return rec
}

// Run exercises repo against the Repository contract. repo should be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "b1", "ITEM", "i1", record(t, map[string]int{"n": 1})))

		got, err := repo.Get(ctx, "b1", "ITEM", "i1")
		require.NoError(t, err)
		var v map[string]int
		require.NoError(t, got.Decode(&v))
		assert.Equal(t, 1, v["n"])
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "b1", "ITEM", "nope")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		_, err = repo.Get(ctx, "no-such-bucket", "ITEM", "i1")
		assert.Error(t, err)
	})

	t.Run("ListSorted", func(t *testing.T) {
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Put(ctx, "b-list", "ROW", id, record(t, id)))
		}
		require.NoError(t, repo.Put(ctx, "b-list", "OTHER", "z", record(t, "z")))

		ids, err := repo.List(ctx, "b-list", "ROW")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		ids, err = repo.List(ctx, "never-created", "ROW")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "b-del", "ITEM", "d1", record(t, 1)))
		require.NoError(t, repo.Delete(ctx, "b-del", "ITEM", "d1"))

		_, err := repo.Get(ctx, "b-del", "ITEM", "d1")
		assert.Error(t, err)

		assert.Error(t, repo.Delete(ctx, "b-del", "ITEM", "d1"), "second delete should report missing record")
	})

	t.Run("PutCAS", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "b-cas", "ITEM", "c1", 0, record(t, "v1", 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "b-cas", "ITEM", "c1", 0, record(t, "dup", 1)), storage.ErrCASFailed)

		require.NoError(t, repo.PutCAS(ctx, "b-cas", "ITEM", "c1", 1, record(t, "v2", 2)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "b-cas", "ITEM", "c1", 1, record(t, "stale", 2)), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "b-cas", "ITEM", "missing", 3, record(t, "x", 4)), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "b-cas", "ITEM", "c1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("UpdateCommits", func(t *testing.T) {
		err := repo.Update(ctx, "b-tx", func(tx storage.Tx) error {
			if err := tx.Put("ROW", "a", record(t, "a")); err != nil {
				return err
			}
			if _, err := tx.Get("ROW", "a"); err != nil {
				return err
			}
			ids, err := tx.List("ROW")
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected 1 id inside tx, got %d", len(ids))
			}
			return nil
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "b-tx", "ROW", "a")
		assert.NoError(t, err)
	})

	t.Run("UpdateRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Update(ctx, "b-rollback", func(tx storage.Tx) error {
			_ = tx.Put("ROW", "gone", record(t, 1))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "b-rollback", "ROW", "gone")
		assert.Error(t, err)
	})

	t.Run("UpdateTxMissing", func(t *testing.T) {
		err := repo.Update(ctx, "b-tx-missing", func(tx storage.Tx) error {
			_, err := tx.Get("ROW", "nope")
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expected ErrNotFound, got %v", err)
			}
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("UpdateIsAtomic", func(t *testing.T) {
		const workers = 16
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.Update(ctx, "b-counter", func(tx storage.Tx) error {
					n := 0
					rec, err := tx.Get("COUNTER", "c")
					if err == nil {
						if err := rec.Decode(&n); err != nil {
							return err
						}
					} else if !errors.Is(err, storage.ErrNotFound) {
						return err
					}
					next, err := storage.NewJSONRecord(n + 1)
					if err != nil {
						return err
					}
					return tx.Put("COUNTER", "c", next)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := repo.Get(ctx, "b-counter", "COUNTER", "c")
		require.NoError(t, err)
		var n int
		require.NoError(t, rec.Decode(&n))
		assert.Equal(t, workers, n, "concurrent read-modify-write inside Update must not lose increments")
	})

	t.Run("RangeBounds", func(t *testing.T) {
		for _, id := range []string{"2024-01", "2024-02", "2024-03", "2024-04"} {
			require.NoError(t, repo.Put(ctx, "b-range", "ROW", id, record(t, id)))
		}
		require.NoError(t, repo.Put(ctx, "b-range", "OTHER", "2024-02", record(t, "other")))

		collect := func(from, to string) []string {
			var got []string
			err := repo.Range(ctx, "b-range", "ROW", from, to, func(id string, rec *storage.Record) error {
				var v string
				if err := rec.Decode(&v); err != nil {
					return err
				}
				assert.Equal(t, id, v)
				got = append(got, id)
				return nil
			})
			require.NoError(t, err)
			return got
		}
		assert.Equal(t, []string{"2024-02", "2024-03"}, collect("2024-02", "2024-04"))
		assert.Equal(t, []string{"2024-03", "2024-04"}, collect("2024-03", ""))
		assert.Equal(t, []string{"2024-01", "2024-02", "2024-03", "2024-04"}, collect("", ""))
		assert.Empty(t, collect("2025", ""))

		err := repo.Range(ctx, "never-created", "ROW", "", "", func(string, *storage.Record) error {
			t.Fatal("callback on missing bucket")
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("RangeStopsEarly", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, repo.Put(ctx, "b-range-stop", "ROW", id, record(t, id)))
		}
		var seen []string
		err := repo.Range(ctx, "b-range-stop", "ROW", "", "", func(id string, _ *storage.Record) error {
			seen = append(seen, id)
			if len(seen) == 2 {
				return storage.ErrStop
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, seen)

		boom := errors.New("boom")
		err = repo.Range(ctx, "b-range-stop", "ROW", "", "", func(string, *storage.Record) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, repo.Put(canceled, "b-cancel", "ROW", "x", record(t, 1)))
		assert.Error(t, repo.Update(canceled, "b-cancel", func(storage.Tx) error { return nil }))
	})
}
