package adminsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticIPs struct {
	allowed bool
	err     error
}

func (s staticIPs) Allowed(context.Context, string) (bool, error) { return s.allowed, s.err }

type staticAlerts struct {
	open bool
	err  error
}

func (s staticAlerts) HasUnresolved(context.Context, string, string) (bool, error) {
	return s.open, s.err
}

func adminRequest(userID string) CreateRequest {
	return CreateRequest{
		UserID:      userID,
		Role:        identity.RoleAdmin,
		MFAVerified: true,
		IP:          "10.0.0.5",
		UserAgent:   "test-agent",
	}
}

// managerTests runs the common suite against a Manager over any Store.
func managerTests(t *testing.T, newStore func() Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("ValidUntilExpiry", func(t *testing.T) {
		clock := newFakeClock()
		m := NewManager(newStore(), WithClock(clock.Now))

		s, err := m.CreateSession(ctx, adminRequest("u1"))
		require.NoError(t, err)
		assert.NotEmpty(t, s.Token)
		assert.Equal(t, DefaultTimeout, s.ExpiresAt.Sub(s.CreatedAt))

		got, err := m.ValidateSession(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Empty(t, got.Token)

		clock.Advance(DefaultTimeout - time.Nanosecond)
		_, err = m.ValidateSession(ctx, s.Token)
		require.NoError(t, err)

		clock.Advance(time.Nanosecond)
		_, err = m.ValidateSession(ctx, s.Token)
		assert.ErrorIs(t, err, ErrSessionExpired)

		_, err = m.ValidateSession(ctx, s.Token)
		assert.ErrorIs(t, err, ErrSessionInactive, "expired session should be marked inactive")
	})

	t.Run("UnknownToken", func(t *testing.T) {
		m := NewManager(newStore())
		_, err := m.ValidateSession(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = m.ValidateSession(ctx, "")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("FourthSessionEvictsOldest", func(t *testing.T) {
		clock := newFakeClock()
		m := NewManager(newStore(), WithClock(clock.Now))

		var tokens []string
		for i := 0; i < 4; i++ {
			s, err := m.CreateSession(ctx, adminRequest("u1"))
			require.NoError(t, err)
			tokens = append(tokens, s.Token)
			clock.Advance(time.Minute)
		}

		_, err := m.ValidateSession(ctx, tokens[0])
		assert.ErrorIs(t, err, ErrSessionInactive)
		for _, tok := range tokens[1:] {
			_, err := m.ValidateSession(ctx, tok)
			assert.NoError(t, err)
		}

		active, err := m.ListActive(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, active, DefaultMaxConcurrent)
	})

	t.Run("ExpiredSessionsDoNotCount", func(t *testing.T) {
		clock := newFakeClock()
		m := NewManager(newStore(), WithClock(clock.Now), WithTimeout(time.Minute), WithMaxConcurrent(1))

		old, err := m.CreateSession(ctx, adminRequest("u1"))
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		_, err = m.CreateSession(ctx, adminRequest("u1"))
		require.NoError(t, err)
		_, err = m.ValidateSession(ctx, old.Token)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("UsersAreIndependent", func(t *testing.T) {
		m := NewManager(newStore(), WithMaxConcurrent(1))
		a, err := m.CreateSession(ctx, adminRequest("alice"))
		require.NoError(t, err)
		_, err = m.CreateSession(ctx, adminRequest("bob"))
		require.NoError(t, err)
		_, err = m.ValidateSession(ctx, a.Token)
		assert.NoError(t, err)
	})

	t.Run("TerminateIsIdempotent", func(t *testing.T) {
		m := NewManager(newStore())
		s, err := m.CreateSession(ctx, adminRequest("u1"))
		require.NoError(t, err)

		require.NoError(t, m.Terminate(ctx, s.Token))
		require.NoError(t, m.Terminate(ctx, s.Token))
		require.NoError(t, m.Terminate(ctx, "never-issued"))

		_, err = m.ValidateSession(ctx, s.Token)
		assert.ErrorIs(t, err, ErrSessionInactive)
	})

	t.Run("TerminateUser", func(t *testing.T) {
		m := NewManager(newStore())
		for i := 0; i < 2; i++ {
			_, err := m.CreateSession(ctx, adminRequest("u1"))
			require.NoError(t, err)
		}
		other, err := m.CreateSession(ctx, adminRequest("u2"))
		require.NoError(t, err)

		n, err := m.TerminateUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		active, err := m.ListActive(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, active)
		_, err = m.ValidateSession(ctx, other.Token)
		assert.NoError(t, err)
	})

	t.Run("Sweep", func(t *testing.T) {
		clock := newFakeClock()
		m := NewManager(newStore(), WithClock(clock.Now), WithTimeout(time.Minute))
		ended, err := m.CreateSession(ctx, adminRequest("u1"))
		require.NoError(t, err)
		require.NoError(t, m.Terminate(ctx, ended.Token))
		_, err = m.CreateSession(ctx, adminRequest("u2"))
		require.NoError(t, err)
		clock.Advance(30 * time.Second)
		live, err := m.CreateSession(ctx, adminRequest("u3"))
		require.NoError(t, err)

		clock.Advance(45 * time.Second)
		n, err := m.Sweep(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = m.ValidateSession(ctx, ended.Token)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = m.ValidateSession(ctx, live.Token)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentCreatesRespectCap", func(t *testing.T) {
		m := NewManager(newStore())
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.CreateSession(ctx, adminRequest("busy"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		active, err := m.ListActive(ctx, "busy")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(active), DefaultMaxConcurrent)
		assert.NotEmpty(t, active)
	})
}

func TestManager_MemoryStore(t *testing.T) {
	managerTests(t, func() Store { return NewMemoryStore() })
}

func TestManager_RepositoryStore(t *testing.T) {
	managerTests(t, func() Store { return NewRepositoryStore(memory.NewRepository()) })
}

func TestCreateSession_AccessDenied(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts []Option
		req  func(CreateRequest) CreateRequest
	}{
		{
			name: "staff role",
			req:  func(r CreateRequest) CreateRequest { r.Role = identity.RoleStaff; return r },
		},
		{
			name: "customer role",
			req:  func(r CreateRequest) CreateRequest { r.Role = identity.RoleCustomer; return r },
		},
		{
			name: "mfa not verified",
			req:  func(r CreateRequest) CreateRequest { r.MFAVerified = false; return r },
		},
		{
			name: "ip not whitelisted",
			opts: []Option{WithIPChecker(staticIPs{allowed: false})},
		},
		{
			name: "unresolved alert",
			opts: []Option{WithAlertChecker(staticAlerts{open: true})},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			m := NewManager(store, tc.opts...)
			req := adminRequest("u1")
			if tc.req != nil {
				req = tc.req(req)
			}
			_, err := m.CreateSession(ctx, req)
			assert.ErrorIs(t, err, ErrAccessDenied)

			sessions, err := store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, sessions, "denied request must not create a session")
		})
	}
}

func TestCreateSession_CheckerErrorsFailOpen(t *testing.T) {
	m := NewManager(NewMemoryStore(),
		WithIPChecker(staticIPs{err: errors.New("whitelist down")}),
		WithAlertChecker(staticAlerts{err: errors.New("alerts down")}),
	)
	_, err := m.CreateSession(context.Background(), adminRequest("u1"))
	assert.NoError(t, err)
}

func TestCreateSession_TokenNotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	m := NewManager(NewRepositoryStore(repo))

	s, err := m.CreateSession(ctx, adminRequest("u1"))
	require.NoError(t, err)

	ids, err := repo.List(ctx, sessionBucket, sessionRecordType)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEqual(t, s.Token, ids[0])
	assert.Equal(t, s.TokenDigest, ids[0])

	rec, err := repo.Get(ctx, sessionBucket, sessionRecordType, ids[0])
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(rec.Data), s.Token), "stored record must not contain the token")
}

func TestDigestKey_SharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := []byte(strings.Repeat("k", 32))

	a := NewManager(store, WithDigestKey(append([]byte(nil), key...)))
	b := NewManager(store, WithDigestKey(append([]byte(nil), key...)))
	c := NewManager(store)

	s, err := a.CreateSession(ctx, adminRequest("u1"))
	require.NoError(t, err)

	_, err = b.ValidateSession(ctx, s.Token)
	assert.NoError(t, err, "managers sharing a key should accept each other's tokens")
	_, err = c.ValidateSession(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWithDigestKey_WipesInput(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	NewManager(NewMemoryStore(), WithDigestKey(key))
	for _, b := range key {
		if b != 0 {
			t.Fatal("digest key input should be wiped")
		}
	}
}

func TestTerminateMismatched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)
	s, err := m.CreateSession(ctx, adminRequest("u1"))
	require.NoError(t, err)

	assert.True(t, s.BoundTo("u1", "10.0.0.5", "test-agent"))
	assert.False(t, s.BoundTo("u1", "10.0.0.6", "test-agent"))
	assert.False(t, s.BoundTo("u2", "10.0.0.5", "test-agent"))
	assert.False(t, s.BoundTo("u1", "10.0.0.5", "other-agent"))

	require.NoError(t, m.TerminateMismatched(ctx, s.Token))
	got, err := store.Get(ctx, s.TokenDigest)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, EndBindingLost, got.EndReason)
}

func TestRepositoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := NewRepositoryStore(memory.NewRepository())
	_, err := st.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepositoryStore_GetMissingBucket(t *testing.T) {
	st := NewRepositoryStore(memory.NewRepository())
	_, err := st.Get(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, errors.Is(err, storage.ErrNotFound))
}
