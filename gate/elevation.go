package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatekeeper/adminsession"
	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/mfa"
	"github.com/jmcleod/gatekeeper/ratelimit"
)

const maxElevateBodySize = 4 << 10

// SessionIssuer is the subset of *adminsession.Manager used by Elevation.
type SessionIssuer interface {
	CreateSession(ctx context.Context, req adminsession.CreateRequest) (adminsession.Session, error)
	Terminate(ctx context.Context, token string) error
}

// Elevation serves the admin step-up endpoints: exchanging an MFA code for
// an admin session, and ending it.
type Elevation struct {
	g        *Gate
	sessions SessionIssuer
	verifier mfa.Verifier
}

// Elevation returns the admin step-up handlers bound to the gate's
// identity, event and rate limit collaborators.
func (g *Gate) Elevation(sessions SessionIssuer, verifier mfa.Verifier) *Elevation {
	return &Elevation{g: g, sessions: sessions, verifier: verifier}
}

// ElevateRequest is the body of POST /auth/admin/elevate.
type ElevateRequest struct {
	Code string `json:"code"`
}

// ElevateResponse describes the admin session that was opened.
type ElevateResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Routes registers the step-up endpoints on r.
func (e *Elevation) Routes(r chi.Router) {
	r.Post("/auth/admin/elevate", e.Elevate)
	r.Post("/auth/admin/logout", e.Logout)
}

func (e *Elevation) record(r *http.Request, typ events.Type, userID string, details map[string]any) {
	g := e.g
	g.events.Append(context.WithoutCancel(r.Context()), events.SecurityEvent{
		Type:      typ,
		UserID:    userID,
		IP:        g.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
		Timestamp: g.now().UTC(),
		Details:   details,
	})
}

// Elevate verifies an MFA code for the signed-in account and, when it is
// valid, opens an admin session and sets the admin session cookie.
func (e *Elevation) Elevate(w http.ResponseWriter, r *http.Request) {
	g := e.g
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	sess, err := g.identity.GetSession(r.WithContext(ctx))
	if err != nil {
		if !errors.Is(err, identity.ErrNoSession) {
			g.logger.Warn("session lookup failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	acct, err := g.accounts.GetAccount(ctx, sess.UserID)
	switch {
	case errors.Is(err, identity.ErrAccountNotFound):
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	case err != nil:
		g.logger.Warn("account lookup failed", "user_id", sess.UserID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "account lookup failed")
		return
	case !acct.IsActive:
		writeError(w, http.StatusForbidden, "account suspended")
		return
	}

	req, ok := decodeJSON[ElevateRequest](w, r, maxElevateBodySize)
	if !ok {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if g.limiter != nil {
		res, err := g.limiter.Check(ctx, acct.ID, ratelimit.ActionLogin)
		if err != nil {
			g.metrics.dependencyError("ratelimit")
			g.logger.Warn("elevation rate limit check failed", "user_id", acct.ID, "error", err)
		}
		if !res.Allowed {
			g.metrics.rateLimited(ratelimit.ActionLogin)
			writeRateLimited(w, res)
			return
		}
	}

	valid, err := e.verifier.Verify(ctx, acct.ID, req.Code)
	if err != nil && !errors.Is(err, mfa.ErrNotEnrolled) {
		g.logger.Warn("mfa verification failed", "user_id", acct.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "mfa verification unavailable")
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	if !valid {
		if g.limiter != nil {
			if err := g.limiter.Increment(ctx, acct.ID, ratelimit.ActionLogin); err != nil {
				g.logger.Warn("elevation increment failed", "user_id", acct.ID, "error", err)
			}
		}
		e.record(r, events.TypeFailedLogin, acct.ID, map[string]any{"reason": "invalid_mfa_code", "scope": "admin"})
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}

	admin, err := e.sessions.CreateSession(ctx, adminsession.CreateRequest{
		UserID:      acct.ID,
		Role:        acct.Role,
		MFAVerified: true,
		IP:          g.ips.ClientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, adminsession.ErrAccessDenied) {
			e.record(r, events.TypeFailedLogin, acct.ID, map[string]any{"reason": "elevation_denied", "error": err.Error(), events.DetailAccessCheck: true})
		} else {
			g.logger.Error("creating admin session failed", "user_id", acct.ID, "error", err)
		}
		mapError(w, err)
		return
	}
	if g.limiter != nil {
		if err := g.limiter.Reset(ctx, acct.ID, ratelimit.ActionLogin); err != nil {
			g.logger.Warn("elevation reset failed", "user_id", acct.ID, "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookieName,
		Value:    admin.Token,
		Path:     "/",
		Expires:  admin.ExpiresAt,
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
	})
	e.record(r, events.TypeAdminAccess, acct.ID, map[string]any{"action": "elevate", "admin_session_id": admin.ID})
	writeJSON(w, http.StatusCreated, ElevateResponse{SessionID: admin.ID, ExpiresAt: admin.ExpiresAt})
}

// Logout ends the admin session named by the cookie and clears it.
func (e *Elevation) Logout(w http.ResponseWriter, r *http.Request) {
	g := e.g
	if cookie, err := r.Cookie(AdminSessionCookieName); err == nil && cookie.Value != "" {
		ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
		err := e.sessions.Terminate(ctx, cookie.Value)
		cancel()
		if err != nil {
			g.logger.Warn("terminating admin session failed", "error", err)
		}
		userID := ""
		if sess, err := g.identity.GetSession(r); err == nil {
			userID = sess.UserID
		}
		e.record(r, events.TypeLogout, userID, map[string]any{"scope": "admin"})
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
