// Package gate is the request gatekeeper: an HTTP middleware that decides,
// for every request, whether to forward it or redirect the caller.
//
// Protected requests go through, in order: session resolution, account
// lookup, role membership, the admin tier (IP whitelist, MFA, admin
// session, admin_access rate limit), and suspicious-activity detection.
// Every denial is recorded as a security event before the redirect is
// written. The gate never answers with a 5xx of its own; internal faults
// resolve to the login redirect.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/jmcleod/gatekeeper/adminsession"
	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/ratelimit"
	"github.com/jmcleod/gatekeeper/routes"
	"github.com/jmcleod/gatekeeper/whitelist"
)

const (
	DefaultDependencyTimeout = 2 * time.Second
	AdminSessionCookieName   = "gk_admin_session"
)

// EventSink receives security events. Append must not block.
type EventSink interface {
	Append(ctx context.Context, e events.SecurityEvent)
}

// RateLimiter is the subset of *ratelimit.Limiter the gate uses.
type RateLimiter interface {
	Check(ctx context.Context, identifier, action string) (ratelimit.Result, error)
	Increment(ctx context.Context, identifier, action string) error
	Reset(ctx context.Context, identifier, action string) error
}

// ThreatDetector is the subset of *detect.Detector the gate uses.
type ThreatDetector interface {
	Detect(ctx context.Context, ip, userID string, window time.Duration) (*detect.Alert, error)
	Report(ctx context.Context, alert detect.Alert) (detect.Alert, bool, error)
}

// AdminSessions is the subset of *adminsession.Manager the gate uses.
type AdminSessions interface {
	ValidateSession(ctx context.Context, token string) (adminsession.Session, error)
	TerminateMismatched(ctx context.Context, token string) error
}

// Gate evaluates requests against a route table.
type Gate struct {
	routes    *routes.Table
	identity  identity.Provider
	accounts  identity.AccountRepository
	events    EventSink
	limiter   RateLimiter
	detector  ThreatDetector
	sessions  AdminSessions
	whitelist *whitelist.Checker
	routeIPs  map[*routes.RouteConfig]*whitelist.Checker
	ips       *IPResolver
	metrics   *Metrics
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimiter enables the admin_access rate limit.
func WithLimiter(l RateLimiter) Option {
	return func(g *Gate) { g.limiter = l }
}

// WithDetector enables suspicious-activity detection.
func WithDetector(d ThreatDetector) Option {
	return func(g *Gate) { g.detector = d }
}

// WithAdminSessions sets the admin session validator. Without it every
// admin-tier request is sent to the admin login.
func WithAdminSessions(s AdminSessions) Option {
	return func(g *Gate) { g.sessions = s }
}

// WithWhitelist sets the checker for operator-managed IP rules.
func WithWhitelist(c *whitelist.Checker) Option {
	return func(g *Gate) { g.whitelist = c }
}

// WithIPResolver sets how the client address is derived.
func WithIPResolver(res *IPResolver) Option {
	return func(g *Gate) { g.ips = res }
}

// WithMetrics records decisions in m.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithDependencyTimeout bounds each collaborator call.
func WithDependencyTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// New returns a Gate. sink receives every security event the gate records.
func New(table *routes.Table, provider identity.Provider, accounts identity.AccountRepository, sink EventSink, opts ...Option) *Gate {
	g := &Gate{
		routes:   table,
		identity: provider,
		accounts: accounts,
		events:   sink,
		timeout:  DefaultDependencyTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.whitelist == nil {
		g.whitelist = whitelist.NewChecker(nil)
	}
	if g.ips == nil {
		g.ips = NewIPResolver(nil)
	}
	g.logger = g.logger.With("component", "gate")

	g.routeIPs = make(map[*routes.RouteConfig]*whitelist.Checker)
	for _, rc := range table.Routes() {
		switch {
		case rc.AdminTier():
			g.routeIPs[rc] = g.whitelist.ForRanges(rc.IPWhitelist)
		case len(rc.IPWhitelist) > 0:
			g.routeIPs[rc] = whitelist.NewChecker(nil, whitelist.WithStaticRanges(rc.IPWhitelist))
		}
	}
	return g
}

// decision is the result of evaluating one protected request.
type decision struct {
	outcome  Outcome
	reason   string
	location string
	caller   *Caller
	// remaining is the admin_access budget left, or -1.
	remaining int
}

// Middleware wraps next with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setHardeningHeaders(w.Header(), r)
		for _, h := range identityHeaders {
			r.Header.Del(h)
		}

		c := g.routes.Classify(r.URL.Path)
		if c.Kind != routes.Protected {
			g.metrics.decision(OutcomeAllowed, c.Kind.String())
			next.ServeHTTP(w, r)
			return
		}

		d := g.evaluate(r, c.Route)
		g.metrics.decision(d.outcome, d.reason)
		if d.location != "" {
			http.Redirect(w, r, d.location, http.StatusTemporaryRedirect)
			return
		}

		caller := d.caller
		set := func(h http.Header) {
			h.Set(HeaderUserID, caller.Account.ID)
			h.Set(HeaderUserRole, string(caller.Account.Role))
			h.Set(HeaderSecurityLevel, string(caller.Route.SecurityLevel))
			h.Set(HeaderClientIP, caller.IP)
			if d.remaining >= 0 {
				h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.remaining))
			}
			if caller.AdminSession != nil {
				h.Set(HeaderAdminSessionExpires, caller.AdminSession.ExpiresAt.UTC().Format(time.RFC3339))
			}
		}
		set(r.Header)
		set(w.Header())
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

// evaluation carries the per-request state of one gate decision.
type evaluation struct {
	g      *Gate
	r      *http.Request
	route  *routes.RouteConfig
	ip     string
	ua     string
	userID string
}

func (ev *evaluation) dep() (context.Context, context.CancelFunc) {
	return context.WithTimeout(ev.r.Context(), ev.g.timeout)
}

func (ev *evaluation) record(typ events.Type, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	details["path"] = ev.r.URL.Path
	details["route"] = ev.route.Name
	if typ == events.TypeFailedLogin {
		details[events.DetailAccessCheck] = true
	}
	ev.g.events.Append(context.WithoutCancel(ev.r.Context()), events.SecurityEvent{
		Type:      typ,
		UserID:    ev.userID,
		IP:        ev.ip,
		UserAgent: ev.ua,
		Timestamp: ev.g.now().UTC(),
		Details:   details,
	})
}

func (ev *evaluation) toLogin(o Outcome, reason string) decision {
	return decision{
		outcome:  o,
		reason:   reason,
		location: withQuery(PathLogin, "redirect", ev.r.URL.RequestURI()),
	}
}

func withQuery(path string, kv ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return path + "?" + v.Encode()
}

func (g *Gate) evaluate(r *http.Request, route *routes.RouteConfig) (d decision) {
	ev := &evaluation{
		g:     g,
		r:     r,
		route: route,
		ip:    g.ips.ClientIP(r),
		ua:    r.UserAgent(),
	}
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("gate evaluation panicked", "panic", p, "path", r.URL.Path, "stack", string(debug.Stack()))
			ev.record(events.TypeSuspiciousActivity, map[string]any{
				"reason": ReasonInternalError,
				"error":  fmt.Sprint(p),
			})
			d = ev.toLogin(OutcomeUnauthenticated, ReasonInternalError)
		}
	}()
	return ev.run()
}

func (ev *evaluation) run() decision {
	g := ev.g

	sess, d, ok := ev.resolveSession()
	if !ok {
		return d
	}
	ev.userID = sess.UserID

	acct, d, ok := ev.loadAccount(sess.UserID)
	if !ok {
		return d
	}

	if !ev.route.AllowsRole(acct.Role) {
		ev.record(events.TypeFailedLogin, map[string]any{
			"reason":   ReasonInsufficientRole,
			"required": ev.route.RequiredRoles,
			"actual":   string(acct.Role),
		})
		return decision{outcome: OutcomeForbidden, reason: ReasonInsufficientRole, location: g.landingFor(acct.Role, ev.route)}
	}

	caller := &Caller{
		Session:   sess,
		Account:   acct,
		IP:        ev.ip,
		UserAgent: ev.ua,
		Route:     ev.route,
	}
	remaining := -1

	if checker := g.routeIPs[ev.route]; checker != nil {
		if d, ok := ev.checkIP(checker); !ok {
			if ev.route.AdminTier() {
				ev.consumeAdminAttempt(acct.ID)
			}
			return d
		}
	}

	if ev.route.AdminTier() {
		admin, rem, d, ok := ev.adminTier(acct)
		if !ok {
			return d
		}
		caller.AdminSession = &admin
		remaining = rem
	} else if ev.route.RequiresMFA && !acct.MFAEnabled {
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonMFARequired})
		return decision{outcome: OutcomeForbidden, reason: ReasonMFARequired, location: withQuery(PathSetupMFA, "redirect", ev.r.URL.RequestURI())}
	}

	if d, ok := ev.detect(acct.ID); !ok {
		return d
	}

	if caller.AdminSession != nil {
		ev.record(events.TypeAdminAccess, map[string]any{"admin_session_id": caller.AdminSession.ID})
	}
	return decision{outcome: OutcomeAllowed, reason: ReasonGranted, caller: caller, remaining: remaining}
}

func (ev *evaluation) resolveSession() (identity.Session, decision, bool) {
	g := ev.g
	ctx, cancel := ev.dep()
	defer cancel()

	sess, err := g.identity.GetSession(ev.r.WithContext(ctx))
	switch {
	case errors.Is(err, identity.ErrNoSession):
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonSessionAbsent})
		return sess, ev.toLogin(OutcomeUnauthenticated, ReasonSessionAbsent), false
	case err != nil:
		g.metrics.dependencyError("identity")
		g.logger.Warn("session lookup failed", "ip", ev.ip, "error", err)
		ev.record(events.TypeSuspiciousActivity, map[string]any{"reason": ReasonSessionLookup, "error": err.Error()})
		return sess, ev.toLogin(OutcomeTransientDependencyFailure, ReasonSessionLookup), false
	}
	if sess.UserID == "" || (!sess.ExpiresAt.IsZero() && !g.now().Before(sess.ExpiresAt)) {
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonSessionAbsent})
		return sess, ev.toLogin(OutcomeUnauthenticated, ReasonSessionAbsent), false
	}
	return sess, decision{}, true
}

func (ev *evaluation) loadAccount(userID string) (identity.Account, decision, bool) {
	g := ev.g
	ctx, cancel := ev.dep()
	defer cancel()

	acct, err := g.accounts.GetAccount(ctx, userID)
	switch {
	case errors.Is(err, identity.ErrAccountNotFound):
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonAccountNotFound})
		return acct, ev.toLogin(OutcomeUnauthenticated, ReasonAccountNotFound), false
	case err != nil:
		g.metrics.dependencyError("accounts")
		g.logger.Warn("account lookup failed", "user_id", userID, "error", err)
		ev.record(events.TypeSuspiciousActivity, map[string]any{"reason": ReasonAccountLookup, "error": err.Error()})
		return acct, ev.toLogin(OutcomeTransientDependencyFailure, ReasonAccountLookup), false
	case !acct.IsActive:
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonAccountInactive})
		return acct, decision{outcome: OutcomeForbidden, reason: ReasonAccountInactive, location: PathSuspended}, false
	}
	return acct, decision{}, true
}

// landingFor returns role's landing page, or "/" when that page is itself
// served by route.
func (g *Gate) landingFor(role identity.Role, route *routes.RouteConfig) string {
	p := g.routes.LandingPath(role)
	if c := g.routes.Classify(p); c.Kind == routes.Protected && c.Route == route {
		return "/"
	}
	return p
}

func (ev *evaluation) checkIP(checker *whitelist.Checker) (decision, bool) {
	g := ev.g
	ctx, cancel := ev.dep()
	defer cancel()

	ok, err := checker.Allowed(ctx, ev.ip)
	if err != nil {
		g.metrics.dependencyError("whitelist")
		g.logger.Warn("ip whitelist unavailable, allowing", "ip", ev.ip, "error", err)
		return decision{}, true
	}
	if !ok {
		ev.record(events.TypeIPBlocked, map[string]any{"reason": ReasonIPNotAllowed})
		return decision{outcome: OutcomeForbidden, reason: ReasonIPNotAllowed, location: withQuery(PathAccessDenied, "error", ReasonIPNotAllowed)}, false
	}
	return decision{}, true
}

func (ev *evaluation) adminTier(acct identity.Account) (adminsession.Session, int, decision, bool) {
	g := ev.g
	uri := ev.r.URL.RequestURI()

	if !acct.MFAEnabled {
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonMFARequired})
		return adminsession.Session{}, 0, decision{outcome: OutcomeForbidden, reason: ReasonMFARequired, location: withQuery(PathSetupMFA, "redirect", uri)}, false
	}

	toAdminLogin := func(reason string) decision {
		return decision{outcome: OutcomeForbidden, reason: reason, location: withQuery(PathAdminLogin, "redirect", uri)}
	}
	cookie, err := ev.r.Cookie(AdminSessionCookieName)
	if err != nil || cookie.Value == "" || g.sessions == nil {
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonAdminSessionAbsent})
		return adminsession.Session{}, 0, toAdminLogin(ReasonAdminSessionAbsent), false
	}

	ctx, cancel := ev.dep()
	admin, err := g.sessions.ValidateSession(ctx, cookie.Value)
	cancel()
	if err != nil {
		if !errors.Is(err, adminsession.ErrSessionNotFound) &&
			!errors.Is(err, adminsession.ErrSessionExpired) &&
			!errors.Is(err, adminsession.ErrSessionInactive) {
			g.metrics.dependencyError("adminsession")
			g.logger.Warn("admin session lookup failed", "user_id", acct.ID, "error", err)
		}
		ev.record(events.TypeFailedLogin, map[string]any{"reason": ReasonAdminSessionBad, "error": err.Error()})
		ev.consumeAdminAttempt(acct.ID)
		return adminsession.Session{}, 0, toAdminLogin(ReasonAdminSessionBad), false
	}
	if !admin.BoundTo(acct.ID, ev.ip, ev.ua) {
		ctx, cancel := ev.dep()
		if err := g.sessions.TerminateMismatched(ctx, cookie.Value); err != nil {
			g.logger.Warn("terminating mismatched admin session failed", "session_id", admin.ID, "error", err)
		}
		cancel()
		ev.record(events.TypeSuspiciousActivity, map[string]any{
			"reason":           ReasonBindingMismatch,
			"admin_session_id": admin.ID,
			"session_user_id":  admin.UserID,
			"session_ip":       admin.IPAddress,
		})
		ev.consumeAdminAttempt(acct.ID)
		return adminsession.Session{}, 0, toAdminLogin(ReasonBindingMismatch), false
	}

	remaining := -1
	if g.limiter != nil {
		ctx, cancel := ev.dep()
		res, err := g.limiter.Check(ctx, acct.ID, ratelimit.ActionAdminAccess)
		cancel()
		if err != nil {
			g.metrics.dependencyError("ratelimit")
			g.logger.Warn("admin_access rate limit check failed", "user_id", acct.ID, "allowed", res.Allowed, "error", err)
		}
		if !res.Allowed {
			g.metrics.rateLimited(ratelimit.ActionAdminAccess)
			ev.record(events.TypeSuspiciousActivity, map[string]any{
				"reason":     ReasonRateLimited,
				"action":     ratelimit.ActionAdminAccess,
				"reset_time": res.ResetTime.UTC().Format(time.RFC3339),
			})
			return adminsession.Session{}, 0, decision{
				outcome:  OutcomeRateLimited,
				reason:   ReasonRateLimited,
				location: withQuery(PathRateLimited, "error", ReasonRateLimited),
			}, false
		}
		remaining = res.Remaining
	}
	return admin, remaining, decision{}, true
}

// consumeAdminAttempt charges one failed admin-tier attempt to userID.
// Successful admin requests are never charged.
func (ev *evaluation) consumeAdminAttempt(userID string) {
	g := ev.g
	if g.limiter == nil {
		return
	}
	ctx, cancel := ev.dep()
	defer cancel()
	if err := g.limiter.Increment(ctx, userID, ratelimit.ActionAdminAccess); err != nil {
		g.metrics.dependencyError("ratelimit")
		g.logger.Warn("admin_access increment failed", "user_id", userID, "error", err)
	}
}

func (ev *evaluation) detect(userID string) (decision, bool) {
	g := ev.g
	if g.detector == nil {
		return decision{}, true
	}
	ctx, cancel := ev.dep()
	defer cancel()

	alert, err := g.detector.Detect(ctx, ev.ip, userID, 0)
	if err != nil {
		g.metrics.dependencyError("events")
		g.logger.Warn("suspicious activity detection failed, allowing", "user_id", userID, "error", err)
		return decision{}, true
	}
	if alert == nil {
		return decision{}, true
	}

	stored, created, err := g.detector.Report(ctx, *alert)
	if err != nil {
		g.metrics.dependencyError("alerts")
		g.logger.Warn("reporting alert failed", "user_id", userID, "type", string(alert.Type), "error", err)
	}
	if created {
		g.metrics.alert(stored)
	}
	if !alert.Critical() {
		return decision{}, true
	}
	ev.record(events.TypeSuspiciousActivity, map[string]any{
		"reason":     ReasonSecurityAlert,
		"alert_id":   stored.ID,
		"alert_type": string(alert.Type),
		"severity":   alert.Severity.String(),
	})
	return decision{
		outcome:  OutcomeForbidden,
		reason:   ReasonSecurityAlert,
		location: withQuery(PathSecurityAlert, "error", "security_error"),
	}, false
}
