package ratelimit

import (
	"context"
	"time"
)

// Record is the counter state for one key.
type Record struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	Attempts    int       `json:"attempts"`
	// ExpiresAt is WindowStart plus the window in force when the record
	// was last written. Sweepers use it without knowing the policy.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's window has elapsed at now.
func (r Record) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.WindowStart) > window
}

// CounterStore persists rate-limit records. Increment must be atomic per
// key: concurrent increments on the same key never lose an update.
type CounterStore interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	// Increment adds one attempt to key, starting a new window at now
	// when the key is absent or its window has elapsed.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error)
	Reset(ctx context.Context, key string) error
}

// next computes the record that follows rec after one more attempt.
func next(rec Record, found bool, key string, window time.Duration, now time.Time) Record {
	if !found || rec.Expired(now, window) {
		rec = Record{Key: key, WindowStart: now}
	}
	rec.Attempts++
	rec.ExpiresAt = rec.WindowStart.Add(window)
	return rec
}
