// Package identity resolves who is making a request: the storefront session
// carried in a cookie and the account record behind it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNoSession is returned when a request carries no valid session.
	ErrNoSession = errors.New("no session")
	// ErrAccountNotFound is returned when an account ID is unknown.
	ErrAccountNotFound = errors.New("account not found")
)

// Role is an account's authorization role.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleStaff    Role = "STAFF"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleStaff, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Session is the authenticated identity attached to a request.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Account is the authorization record for a user.
type Account struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	IsActive   bool   `json:"is_active"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

// Provider resolves the session for a request. It returns ErrNoSession
// when the request is unauthenticated; any other error is a lookup
// failure.
type Provider interface {
	GetSession(r *http.Request) (Session, error)
}

// AccountRepository loads accounts by ID.
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (Account, error)
}
