// Package ratelimit throttles actions with a fixed-window counter keyed by
// action and identifier.
//
// A Limiter never blocks a caller because its counter store is unavailable:
// Check admits the request and returns the store error alongside the
// result so the caller can log it. A policy can opt out of that behaviour
// with FailClosed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/gatekeeper/internal/util"
)

// Well-known actions.
const (
	ActionLogin         = "login"
	ActionPasswordReset = "password_reset"
	ActionAdminAccess   = "admin_access"
)

// ErrUnknownAction is returned for an action without a configured policy.
var ErrUnknownAction = errors.New("ratelimit: unknown action")

// Policy is the window and attempt budget for one action.
type Policy struct {
	Window      time.Duration
	MaxAttempts int
	// FailClosed denies instead of admitting when the store errors.
	FailClosed bool
}

// DefaultPolicies returns the stock policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:         {Window: 15 * time.Minute, MaxAttempts: 5},
		ActionPasswordReset: {Window: time.Hour, MaxAttempts: 3},
		ActionAdminAccess:   {Window: 5 * time.Minute, MaxAttempts: 10},
	}
}

// Result is the outcome of a Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	Limit     int
}

// Limiter applies per-action policies on top of a CounterStore.
type Limiter struct {
	store    CounterStore
	policies map[string]Policy
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy adds or replaces the policy for action.
func WithPolicy(action string, p Policy) Option {
	return func(l *Limiter) { l.policies[action] = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter backed by store, configured with DefaultPolicies
// plus any overrides.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// Policy returns the policy configured for action.
func (l *Limiter) Policy(action string) (Policy, bool) {
	p, ok := l.policies[action]
	return p, ok
}

// Key returns the counter key for an identifier and action.
func Key(action, identifier string) string {
	return action + ":" + util.NormalizeIdentifier(identifier)
}

// Check reports whether identifier may perform action now. It does not
// consume an attempt; repeated calls return the same result until
// Increment is called or the window elapses.
func (l *Limiter) Check(ctx context.Context, identifier, action string) (Result, error) {
	p, ok := l.policies[action]
	if !ok {
		return Result{Allowed: true}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	now := l.now()
	res := Result{
		Allowed:   true,
		Remaining: p.MaxAttempts - 1,
		ResetTime: now.Add(p.Window),
		Limit:     p.MaxAttempts,
	}

	key := Key(action, identifier)
	rec, found, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "rate limit store unavailable",
			slog.String("action", action),
			slog.Bool("fail_closed", p.FailClosed),
			slog.String("error", err.Error()),
		)
		if p.FailClosed {
			res.Allowed = false
			res.Remaining = 0
		}
		return res, fmt.Errorf("checking %s: %w", key, err)
	}
	if !found || rec.Expired(now, p.Window) {
		return res, nil
	}

	res.ResetTime = rec.WindowStart.Add(p.Window)
	if rec.Attempts >= p.MaxAttempts {
		res.Allowed = false
		res.Remaining = 0
		return res, nil
	}
	res.Remaining = p.MaxAttempts - rec.Attempts - 1
	return res, nil
}

// Increment consumes one attempt for identifier and action.
func (l *Limiter) Increment(ctx context.Context, identifier, action string) error {
	p, ok := l.policies[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	key := Key(action, identifier)
	if _, err := l.store.Increment(ctx, key, p.Window, l.now()); err != nil {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "rate limit increment failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("incrementing %s: %w", key, err)
	}
	return nil
}

// Reset clears the counter for identifier and action.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	if _, ok := l.policies[action]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	key := Key(action, identifier)
	if err := l.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("resetting %s: %w", key, err)
	}
	return nil
}
