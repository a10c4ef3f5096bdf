package adminsession

import (
	"time"
)

// Session is an elevated administrative session. The plaintext token is
// only ever held in Token on the value returned by CreateSession; stores
// see the keyed digest.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	TokenDigest string    `json:"token_digest"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
	EndReason   string    `json:"end_reason,omitempty"`

	Token string `json:"-"`
}

// Valid reports whether s is active and unexpired at now.
func (s Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// BoundTo reports whether the session was issued to this user, address and
// user agent.
func (s Session) BoundTo(userID, ip, userAgent string) bool {
	return s.UserID == userID && s.IPAddress == ip && s.UserAgent == userAgent
}

// Reasons recorded when a session ends.
const (
	EndExpired     = "expired"
	EndEvicted     = "evicted"
	EndTerminated  = "terminated"
	EndBindingLost = "binding_mismatch"
)
