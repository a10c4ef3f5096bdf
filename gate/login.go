package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/ratelimit"
)

const (
	maxLoginBodySize = 8 << 10
	// DefaultSessionTTL is how long a storefront session issued by Login
	// lasts.
	DefaultSessionTTL = 24 * time.Hour
)

// Authenticator checks a password login. It returns
// identity.ErrInvalidCredentials for a wrong email or password, with the
// account ID set when the email was known.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (identity.Account, error)
}

// SessionMinter issues and revokes storefront sessions.
type SessionMinter interface {
	Issue(ctx context.Context, acct identity.Account, ttl time.Duration) (string, identity.Session, error)
	Revoke(r *http.Request) error
}

// Login serves password login and logout for the storefront and guards the
// password reset request with its rate limit.
type Login struct {
	g        *Gate
	auth     Authenticator
	sessions SessionMinter
	recorder *Recorder
	ttl      time.Duration
}

// LoginOption configures Login.
type LoginOption func(*Login)

// WithSessionTTL sets the lifetime of issued sessions.
func WithSessionTTL(d time.Duration) LoginOption {
	return func(l *Login) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// Login returns the login handlers bound to the gate's limiter, event sink
// and client IP resolution.
func (g *Gate) Login(auth Authenticator, sessions SessionMinter, opts ...LoginOption) *Login {
	l := &Login{g: g, auth: auth, sessions: sessions, recorder: g.Recorder(), ttl: DefaultSessionTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse describes the session that was opened.
type LoginResponse struct {
	UserID    string        `json:"user_id"`
	Role      identity.Role `json:"role"`
	Redirect  string        `json:"redirect"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Routes registers login and logout on r.
func (l *Login) Routes(r chi.Router) {
	r.Post(PathLogin, l.Login)
	r.Post("/auth/logout", l.Logout)
}

// Login checks the login budget for the email, verifies the password and
// sets the session cookie.
func (l *Login) Login(w http.ResponseWriter, r *http.Request) {
	g := l.g
	req, ok := decodeJSON[LoginRequest](w, r, maxLoginBodySize)
	if !ok {
		return
	}
	identifier := util.NormalizeIdentifier(req.Email)
	if identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, _ := l.recorder.CheckLogin(r, identifier)
	if !res.Allowed {
		writeRateLimited(w, res)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()
	acct, err := l.auth.Authenticate(ctx, identifier, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		l.recorder.LoginFailed(r, identifier, acct.ID, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		g.metrics.dependencyError("credentials")
		g.logger.Warn("password check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	case !acct.IsActive:
		l.recorder.LoginFailed(r, identifier, acct.ID, ReasonAccountInactive)
		writeError(w, http.StatusForbidden, "account suspended")
		return
	}

	token, sess, err := l.sessions.Issue(ctx, acct, l.ttl)
	if err != nil {
		g.logger.Error("issuing session failed", "user_id", acct.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	l.recorder.LoginSucceeded(r, identifier, acct.ID)
	writeJSON(w, http.StatusOK, LoginResponse{
		UserID:    acct.ID,
		Role:      acct.Role,
		Redirect:  g.routes.LandingPath(acct.Role),
		ExpiresAt: sess.ExpiresAt,
	})
}

// Logout revokes the storefront session and clears its cookie.
func (l *Login) Logout(w http.ResponseWriter, r *http.Request) {
	g := l.g
	if sess, err := g.identity.GetSession(r); err == nil {
		if err := l.sessions.Revoke(r); err != nil {
			g.logger.Warn("revoking session failed", "user_id", sess.UserID, "error", err)
		}
		l.recorder.LoggedOut(r, sess.UserID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// PasswordResetGuard charges each password reset request to the email in
// its JSON body and answers 429 once the budget is spent. Admitted requests
// reach next with the body intact.
func (l *Login) PasswordResetGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLoginBodySize))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var req struct {
			Email string `json:"email"`
		}
		identifier := ""
		if json.Unmarshal(body, &req) == nil {
			identifier = util.NormalizeIdentifier(req.Email)
		}
		if identifier == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}
		res, _ := l.recorder.CheckPasswordReset(r, identifier)
		if !res.Allowed {
			writeRateLimited(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retry := int(time.Until(res.ResetTime).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many attempts")
}
