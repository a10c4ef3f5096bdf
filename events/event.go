// Package events is the append-only security event log consulted by the
// suspicious activity detector and the audit views.
package events

import (
	"time"
)

// Type identifies the kind of security event.
type Type string

const (
	TypeLogin              Type = "login"
	TypeLogout             Type = "logout"
	TypeFailedLogin        Type = "failed_login"
	TypeAdminAccess        Type = "admin_access"
	TypeMFAEnabled         Type = "mfa_enabled"
	TypeIPBlocked          Type = "ip_blocked"
	TypeSuspiciousActivity Type = "suspicious_activity"
)

// Types lists every known event type.
func Types() []Type {
	return []Type{
		TypeLogin, TypeLogout, TypeFailedLogin, TypeAdminAccess,
		TypeMFAEnabled, TypeIPBlocked, TypeSuspiciousActivity,
	}
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// UnknownIP is recorded when the client address cannot be determined.
const UnknownIP = "unknown"

// DetailAccessCheck marks a failed_login written when a request was turned
// away before any credential was checked, for example a missing session or
// an insufficient role. Such events are kept for audit only.
const DetailAccessCheck = "access_check"

// CredentialFailure reports whether e records a failed credential check,
// the only kind of failure that counts toward brute-force detection.
func CredentialFailure(e SecurityEvent) bool {
	if e.Type != TypeFailedLogin {
		return false
	}
	accessOnly, _ := e.Details[DetailAccessCheck].(bool)
	return !accessOnly
}

// SecurityEvent is one immutable entry in the log.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	IP     string
	UserID string
	Types  []Type
	Since  time.Time
	// Until is exclusive.
	Until time.Time
	// Limit keeps only the most recent Limit matches.
	Limit int
}

// Match reports whether e satisfies every criterion in f.
func (f Filter) Match(e SecurityEvent) bool {
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// applyLimit trims an ascending slice to its last limit elements.
func applyLimit(evts []SecurityEvent, limit int) []SecurityEvent {
	if limit > 0 && len(evts) > limit {
		return evts[len(evts)-limit:]
	}
	return evts
}
