// Package adminsession issues and validates short-lived elevated sessions
// for administrative routes.
//
// A session token is 32 random bytes handed to the client once. Stores only
// ever see a BLAKE2b digest of the token keyed with a secret held in a
// memguard enclave, so a leaked store cannot be replayed as cookies.
package adminsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"

	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/internal/uuid"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultMaxConcurrent = 3

	tokenBytes = 32
	keyBytes   = 32
)

var (
	// ErrAccessDenied is returned when a caller may not open an admin session.
	ErrAccessDenied = errors.New("admin session access denied")
	// ErrSessionNotFound is returned for an unknown token.
	ErrSessionNotFound = errors.New("admin session not found")
	// ErrSessionExpired is returned for a token past its expiry.
	ErrSessionExpired = errors.New("admin session expired")
	// ErrSessionInactive is returned for a terminated or evicted session.
	ErrSessionInactive = errors.New("admin session inactive")
)

// IPChecker decides whether an address may hold an admin session.
type IPChecker interface {
	Allowed(ctx context.Context, ip string) (bool, error)
}

// AlertChecker reports open security alerts for a caller.
type AlertChecker interface {
	HasUnresolved(ctx context.Context, userID, ip string) (bool, error)
}

// CreateRequest describes a caller asking for elevation.
type CreateRequest struct {
	UserID      string
	Role        identity.Role
	MFAVerified bool
	IP          string
	UserAgent   string
}

// Manager issues, validates and ends admin sessions.
type Manager struct {
	store         Store
	key           *memguard.Enclave
	timeout       time.Duration
	maxConcurrent int
	ips           IPChecker
	alerts        AlertChecker
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the session lifetime.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxConcurrent caps active sessions per user.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithIPChecker restricts which addresses may create sessions.
func WithIPChecker(c IPChecker) Option {
	return func(m *Manager) { m.ips = c }
}

// WithAlertChecker refuses sessions to callers with open alerts.
func WithAlertChecker(c AlertChecker) Option {
	return func(m *Manager) { m.alerts = c }
}

// WithDigestKey sets the token digest key. Processes that share a
// persistent store must share this key. The slice is wiped.
func WithDigestKey(key []byte) Option {
	return func(m *Manager) {
		if len(key) == 0 {
			return
		}
		m.key = memguard.NewEnclave(util.CopyBytes(key))
		util.WipeBytes(key)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager over store. Without WithDigestKey a random
// key is generated, and sessions do not survive a restart.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		timeout:       DefaultTimeout,
		maxConcurrent: DefaultMaxConcurrent,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.key == nil {
		m.key = memguard.NewEnclaveRandom(keyBytes)
	}
	m.logger = m.logger.With("component", "adminsession")
	return m
}

// Timeout returns the configured session lifetime.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// MaxConcurrent returns the configured per-user cap.
func (m *Manager) MaxConcurrent() int { return m.maxConcurrent }

func (m *Manager) digest(token string) (string, error) {
	buf, err := m.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening digest key: %w", err)
	}
	defer buf.Destroy()
	h, err := blake2b.New256(buf.Bytes())
	if err != nil {
		return "", err
	}
	h.Write([]byte(token))
	return util.HexEncode(h.Sum(nil)), nil
}

// CreateSession opens an admin session for req after checking role, MFA,
// address and open alerts. The returned Session carries the plaintext
// token in Token; it is not retrievable afterwards.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	if req.Role != identity.RoleAdmin {
		return Session{}, fmt.Errorf("%w: role %s", ErrAccessDenied, req.Role)
	}
	if !req.MFAVerified {
		return Session{}, fmt.Errorf("%w: mfa not verified", ErrAccessDenied)
	}
	if m.ips != nil {
		ok, err := m.ips.Allowed(ctx, req.IP)
		if err != nil {
			m.logger.Warn("ip check unavailable, allowing", "user_id", req.UserID, "error", err)
		} else if !ok {
			return Session{}, fmt.Errorf("%w: ip %s not whitelisted", ErrAccessDenied, req.IP)
		}
	}
	if m.alerts != nil {
		open, err := m.alerts.HasUnresolved(ctx, req.UserID, req.IP)
		if err != nil {
			m.logger.Warn("alert check unavailable, allowing", "user_id", req.UserID, "error", err)
		} else if open {
			return Session{}, fmt.Errorf("%w: unresolved security alert", ErrAccessDenied)
		}
	}

	raw, err := util.RandomBytes(tokenBytes)
	if err != nil {
		return Session{}, fmt.Errorf("generating token: %w", err)
	}
	token := util.URLToken(raw)
	util.WipeBytes(raw)
	digest, err := m.digest(token)
	if err != nil {
		return Session{}, err
	}

	now := m.now()
	s := Session{
		ID:          uuid.New(),
		UserID:      req.UserID,
		TokenDigest: digest,
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.timeout),
		IsActive:    true,
	}
	evicted, err := m.store.Create(ctx, s, m.maxConcurrent, now)
	if err != nil {
		return Session{}, fmt.Errorf("storing admin session: %w", err)
	}
	for _, e := range evicted {
		m.logger.Info("admin session evicted", "session_id", e.ID, "user_id", e.UserID)
	}
	m.logger.Info("admin session created", "session_id", s.ID, "user_id", s.UserID, "expires_at", s.ExpiresAt)

	s.Token = token
	return s, nil
}

// ValidateSession returns the session for token if it is active and
// unexpired. An expired session is marked inactive.
func (m *Manager) ValidateSession(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrSessionNotFound
	}
	digest, err := m.digest(token)
	if err != nil {
		return Session{}, err
	}
	s, err := m.store.Get(ctx, digest)
	if err != nil {
		return Session{}, err
	}
	if !s.IsActive {
		return s, ErrSessionInactive
	}
	if !m.now().Before(s.ExpiresAt) {
		s.IsActive = false
		s.EndReason = EndExpired
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Warn("marking admin session expired failed", "session_id", s.ID, "error", err)
		}
		return s, ErrSessionExpired
	}
	return s, nil
}

// Terminate ends the session for token. Ending an unknown or already
// ended session is not an error.
func (m *Manager) Terminate(ctx context.Context, token string) error {
	return m.end(ctx, token, EndTerminated)
}

// TerminateMismatched ends a session presented from the wrong user, address
// or user agent.
func (m *Manager) TerminateMismatched(ctx context.Context, token string) error {
	return m.end(ctx, token, EndBindingLost)
}

func (m *Manager) end(ctx context.Context, token, reason string) error {
	if token == "" {
		return nil
	}
	digest, err := m.digest(token)
	if err != nil {
		return err
	}
	s, err := m.store.Get(ctx, digest)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !s.IsActive {
		return nil
	}
	s.IsActive = false
	s.EndReason = reason
	if err := m.store.Save(ctx, s); err != nil {
		return err
	}
	m.logger.Info("admin session ended", "session_id", s.ID, "user_id", s.UserID, "reason", reason)
	return nil
}

// TerminateUser ends every active session of userID and returns how many
// were ended.
func (m *Manager) TerminateUser(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !s.IsActive {
			continue
		}
		s.IsActive = false
		s.EndReason = EndTerminated
		if err := m.store.Save(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ListActive returns userID's valid sessions, oldest first.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]Session, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []Session
	for _, s := range sessions {
		if s.Valid(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Sweep deletes ended and expired sessions from the store.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	return m.store.Sweep(ctx, now)
}
