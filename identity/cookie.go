package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/gatekeeper/internal/util"
)

// SessionCookieName is the storefront session cookie.
const SessionCookieName = "storefront_session"

// CookieProvider resolves sessions from the storefront session cookie.
type CookieProvider struct {
	store      SessionStore
	cookieName string
}

var _ Provider = (*CookieProvider)(nil)

// NewCookieProvider returns a Provider reading SessionCookieName from
// requests and looking it up in store.
func NewCookieProvider(store SessionStore) *CookieProvider {
	return &CookieProvider{store: store, cookieName: SessionCookieName}
}

func (p *CookieProvider) GetSession(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(p.cookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, ErrNoSession
	}
	return p.store.Get(r.Context(), cookie.Value)
}

// Issue creates a session for an account and returns the cookie token.
func (p *CookieProvider) Issue(ctx context.Context, acct Account, ttl time.Duration) (string, Session, error) {
	b, err := util.RandomBytes(32)
	if err != nil {
		return "", Session{}, fmt.Errorf("generating session token: %w", err)
	}
	token := util.URLToken(b)
	session := Session{
		UserID:    acct.ID,
		Email:     acct.Email,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := p.store.Put(ctx, token, session); err != nil {
		return "", Session{}, err
	}
	return token, session, nil
}

// Revoke deletes the session named by the request cookie, if any.
func (p *CookieProvider) Revoke(r *http.Request) error {
	cookie, err := r.Cookie(p.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return p.store.Delete(r.Context(), cookie.Value)
}
