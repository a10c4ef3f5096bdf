// Package storage provides the storage abstraction shared by the gatekeeper's
// stores: event log, admin sessions, rate-limit counters, alerts, whitelist
// rules and accounts. Backends live in the memory, bbolt and postgres
// subpackages.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when a whole bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrStop may be returned by a Range callback to end the scan early.
	// Range itself then returns nil.
	ErrStop = errors.New("stop range")
)

// Tx is the view of one bucket inside an atomic Update. Every read and
// write made through a Tx is isolated from concurrent Updates on the same
// bucket and is committed or rolled back as a unit.
type Tx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, record *Record) error
	Delete(recordType string, recordID string) error
	List(recordType string) ([]string, error)
}

// RangeFunc receives each record visited by Repository.Range.
type RangeFunc func(recordID string, record *Record) error

// Repository defines the interface for record storage. Record IDs returned
// by List are sorted in ascending byte order on every backend.
//
// Range visits the records of one type whose IDs fall in [from, to), in
// ascending byte order. An empty to leaves the range open-ended. Only the
// records inside the range are read.
type Repository interface {
	Put(ctx context.Context, bucket string, recordType string, recordID string, record *Record) error
	Get(ctx context.Context, bucket string, recordType string, recordID string) (*Record, error)
	List(ctx context.Context, bucket string, recordType string) ([]string, error)
	Range(ctx context.Context, bucket string, recordType string, from, to string, fn RangeFunc) error
	Delete(ctx context.Context, bucket string, recordType string, recordID string) error
	PutCAS(ctx context.Context, bucket string, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Update(ctx context.Context, bucket string, fn func(tx Tx) error) error
}

// InRange reports whether id lies in [from, to), with an empty to meaning
// unbounded.
func InRange(id, from, to string) bool {
	return id >= from && (to == "" || id < to)
}
