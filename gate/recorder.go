package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/ratelimit"
)

// Recorder reports login outcomes for the login and password reset
// handlers. It keeps the login rate limit and the security event log in
// step with what those handlers decide.
type Recorder struct {
	events  EventSink
	limiter RateLimiter
	ips     *IPResolver
	metrics *Metrics
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Recorder returns a Recorder sharing the gate's event sink, limiter and
// client IP resolution.
func (g *Gate) Recorder() *Recorder {
	return &Recorder{
		events:  g.events,
		limiter: g.limiter,
		ips:     g.ips,
		metrics: g.metrics,
		timeout: g.timeout,
		now:     g.now,
		logger:  g.logger.With("component", "recorder"),
	}
}

func (rec *Recorder) record(r *http.Request, typ events.Type, userID string, details map[string]any) {
	rec.events.Append(context.WithoutCancel(r.Context()), events.SecurityEvent{
		Type:      typ,
		UserID:    userID,
		IP:        rec.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
		Timestamp: rec.now().UTC(),
		Details:   details,
	})
}

// CheckLogin reports whether identifier may attempt to log in. A denied
// attempt is recorded as suspicious activity. Store errors follow the
// login policy's fail mode.
func (rec *Recorder) CheckLogin(r *http.Request, identifier string) (ratelimit.Result, error) {
	return rec.check(r, identifier, ratelimit.ActionLogin)
}

// CheckPasswordReset reports whether identifier may request another
// password reset and counts the request when it may.
func (rec *Recorder) CheckPasswordReset(r *http.Request, identifier string) (ratelimit.Result, error) {
	res, err := rec.check(r, identifier, ratelimit.ActionPasswordReset)
	if res.Allowed && rec.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), rec.timeout)
		defer cancel()
		if incErr := rec.limiter.Increment(ctx, identifier, ratelimit.ActionPasswordReset); incErr != nil {
			rec.metrics.dependencyError("ratelimit")
			rec.logger.Warn("password reset increment failed", "error", incErr)
		}
	}
	return res, err
}

func (rec *Recorder) check(r *http.Request, identifier, action string) (ratelimit.Result, error) {
	if rec.limiter == nil {
		return ratelimit.Result{Allowed: true}, nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), rec.timeout)
	defer cancel()

	res, err := rec.limiter.Check(ctx, identifier, action)
	if err != nil {
		rec.metrics.dependencyError("ratelimit")
		rec.logger.Warn("rate limit check failed", "action", action, "allowed", res.Allowed, "error", err)
	}
	if !res.Allowed {
		rec.metrics.rateLimited(action)
		rec.record(r, events.TypeSuspiciousActivity, "", map[string]any{
			"reason":     ReasonRateLimited,
			"action":     action,
			"identifier": identifier,
			"reset_time": res.ResetTime.UTC().Format(time.RFC3339),
		})
	}
	return res, err
}

// LoginFailed counts a failed attempt against identifier and logs a
// failed_login event. userID is empty when the identifier matched no
// account.
func (rec *Recorder) LoginFailed(r *http.Request, identifier, userID, reason string) {
	if rec.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), rec.timeout)
		if err := rec.limiter.Increment(ctx, identifier, ratelimit.ActionLogin); err != nil {
			rec.metrics.dependencyError("ratelimit")
			rec.logger.Warn("login increment failed", "error", err)
		}
		cancel()
	}
	rec.record(r, events.TypeFailedLogin, userID, map[string]any{
		"reason":     reason,
		"identifier": identifier,
	})
}

// LoginSucceeded clears the login budget for identifier and logs a login
// event.
func (rec *Recorder) LoginSucceeded(r *http.Request, identifier, userID string) {
	if rec.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), rec.timeout)
		if err := rec.limiter.Reset(ctx, identifier, ratelimit.ActionLogin); err != nil {
			rec.metrics.dependencyError("ratelimit")
			rec.logger.Warn("login reset failed", "error", err)
		}
		cancel()
	}
	rec.record(r, events.TypeLogin, userID, nil)
}

// LoggedOut logs a logout event.
func (rec *Recorder) LoggedOut(r *http.Request, userID string) {
	rec.record(r, events.TypeLogout, userID, nil)
}
