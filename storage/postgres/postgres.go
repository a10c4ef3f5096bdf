// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (bucket, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Update serialises writers per bucket with a transaction-scoped
// advisory lock, which gives rate-limit counters and admin-session caps the
// same read-modify-write atomicity the other backends provide.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatekeeper/storage"
)

// DefaultQueryTimeout bounds every statement issued by the Store.
const DefaultQueryTimeout = 5 * time.Second

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithQueryTimeout overrides DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, timeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool, opts...), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ctx bounds a statement by both the caller's context and the query timeout.
func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// execer abstracts *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertSQL = `INSERT INTO records (bucket, record_type, record_id, ver, kind, data, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (bucket, record_type, record_id)
	DO UPDATE SET ver = $4, kind = $5, data = $6, version = $7`

func upsert(ctx context.Context, q execer, bucket, recordType, recordID string, rec *storage.Record) error {
	_, err := q.Exec(ctx, upsertSQL, bucket, recordType, recordID, rec.Ver, rec.Kind, rec.Data, int64(rec.Version))
	return err
}

func selectRecord(ctx context.Context, q execer, bucket, recordType, recordID string, forUpdate bool) (*storage.Record, error) {
	sql := `SELECT ver, kind, data, version FROM records
		WHERE bucket = $1 AND record_type = $2 AND record_id = $3`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		rec     storage.Record
		version int64
	)
	err := q.QueryRow(ctx, sql, bucket, recordType, recordID).Scan(&rec.Ver, &rec.Kind, &rec.Data, &version)
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func listIDs(ctx context.Context, q execer, bucket, recordType string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE bucket = $1 AND record_type = $2
		 ORDER BY record_id COLLATE "C"`,
		bucket, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const rangeSQL = `SELECT record_id, ver, kind, data, version FROM records
	WHERE bucket = $1 AND record_type = $2
	  AND record_id COLLATE "C" >= $3
	  AND ($4 = '' OR record_id COLLATE "C" < $4)
	ORDER BY record_id COLLATE "C"`

type rangeRow struct {
	id  string
	rec *storage.Record
}

func selectRange(ctx context.Context, q execer, bucket, recordType, from, to string) ([]rangeRow, error) {
	rows, err := q.Query(ctx, rangeSQL, bucket, recordType, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rangeRow
	for rows.Next() {
		var (
			row     rangeRow
			rec     storage.Record
			version int64
		)
		if err := rows.Scan(&row.id, &rec.Ver, &rec.Kind, &rec.Data, &version); err != nil {
			return nil, err
		}
		rec.Version = uint64(version)
		row.rec = &rec
		out = append(out, row)
	}
	return out, rows.Err()
}

func deleteRecord(ctx context.Context, q execer, bucket, recordType, recordID string) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`,
		bucket, recordType, recordID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Put(ctx context.Context, bucket, recordType, recordID string, record *storage.Record) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return upsert(ctx, s.pool, bucket, recordType, recordID, record)
}

func (s *Store) Get(ctx context.Context, bucket, recordType, recordID string) (*storage.Record, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rec, err := selectRecord(ctx, s.pool, bucket, recordType, recordID, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, s.pool, bucket, recordType, recordID)
	}
	return rec, err
}

func (s *Store) List(ctx context.Context, bucket, recordType string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return listIDs(ctx, s.pool, bucket, recordType)
}

// Range reads the whole range in one statement and calls fn once the rows
// are released.
func (s *Store) Range(ctx context.Context, bucket, recordType, from, to string, fn storage.RangeFunc) error {
	qctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := selectRange(qctx, s.pool, bucket, recordType, from, to)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row.id, row.rec); err != nil {
			if errors.Is(err, storage.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, recordType, recordID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := deleteRecord(ctx, s.pool, bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundError(ctx, s.pool, bucket, recordType, recordID)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	existing, err := selectRecord(ctx, tx, bucket, recordType, recordID, true)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}

	if err := upsert(ctx, tx, bucket, recordType, recordID, record); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return storage.ErrCASFailed
		}
		return err
	}
	return tx.Commit(ctx)
}

// Update runs fn in a transaction holding an advisory lock on the bucket.
func (s *Store) Update(ctx context.Context, bucket string, fn func(tx storage.Tx) error) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, bucket); err != nil {
		return fmt.Errorf("locking bucket %s: %w", bucket, err)
	}
	if err := fn(&pgTxView{ctx: ctx, tx: pgTx, bucket: bucket}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgTxView struct {
	ctx    context.Context
	tx     pgx.Tx
	bucket string
}

var _ storage.Tx = (*pgTxView)(nil)

func (v *pgTxView) Get(recordType, recordID string) (*storage.Record, error) {
	rec, err := selectRecord(v.ctx, v.tx, v.bucket, recordType, recordID, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec, err
}

func (v *pgTxView) Put(recordType, recordID string, record *storage.Record) error {
	return upsert(v.ctx, v.tx, v.bucket, recordType, recordID, record)
}

func (v *pgTxView) Delete(recordType, recordID string) error {
	n, err := deleteRecord(v.ctx, v.tx, v.bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (v *pgTxView) List(recordType string) ([]string, error) {
	return listIDs(v.ctx, v.tx, v.bucket, recordType)
}

// notFoundError distinguishes a missing bucket from a missing record
// within an existing bucket, matching the BBolt backend.
func notFoundError(ctx context.Context, q execer, bucket, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE bucket = $1 LIMIT 1)`,
		bucket).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", bucket, storage.ErrBucketNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
