package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage/memory"
)

func newPasswords(t *testing.T) (*Passwords, *RepositoryAccounts) {
	t.Helper()
	repo := memory.NewRepository()
	accounts := NewRepositoryAccounts(repo)
	require.NoError(t, accounts.PutAccount(context.Background(), Account{ID: "u1", Email: "Shopper@Example.com", Role: RoleCustomer, IsActive: true}))
	p := NewPasswords(repo, accounts, WithHashParams(util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}))
	return p, accounts
}

func TestPasswords_Authenticate(t *testing.T) {
	ctx := context.Background()
	p, _ := newPasswords(t)
	require.NoError(t, p.SetPassword(ctx, "u1", "open sesame 42"))

	acct, err := p.Authenticate(ctx, " shopper@example.COM ", "open sesame 42")
	require.NoError(t, err)
	assert.Equal(t, "u1", acct.ID)
	assert.Equal(t, RoleCustomer, acct.Role)

	acct, err = p.Authenticate(ctx, "shopper@example.com", "open sesame 43")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "u1", acct.ID, "known email keeps the account for attribution")

	acct, err = p.Authenticate(ctx, "stranger@example.com", "open sesame 42")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, acct.ID)
}

func TestPasswords_SetPassword(t *testing.T) {
	ctx := context.Background()
	p, accounts := newPasswords(t)

	assert.ErrorIs(t, p.SetPassword(ctx, "u1", "short"), ErrWeakPassword)
	assert.ErrorIs(t, p.SetPassword(ctx, "missing", "long enough password"), ErrAccountNotFound)

	require.NoError(t, accounts.PutAccount(ctx, Account{ID: "u2", Role: RoleCustomer, IsActive: true}))
	assert.Error(t, p.SetPassword(ctx, "u2", "long enough password"), "accounts without email cannot sign in")

	require.NoError(t, p.SetPassword(ctx, "u1", "first password"))
	require.NoError(t, p.SetPassword(ctx, "u1", "second password"))
	_, err := p.Authenticate(ctx, "shopper@example.com", "first password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.Authenticate(ctx, "shopper@example.com", "second password")
	assert.NoError(t, err)
}

func TestPasswords_StaleEmailIndex(t *testing.T) {
	ctx := context.Background()
	p, accounts := newPasswords(t)
	require.NoError(t, p.SetPassword(ctx, "u1", "open sesame 42"))

	require.NoError(t, accounts.PutAccount(ctx, Account{ID: "u1", Email: "moved@example.com", Role: RoleCustomer, IsActive: true}))
	_, err := p.Authenticate(ctx, "shopper@example.com", "open sesame 42")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
