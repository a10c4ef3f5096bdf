package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/identity"
	bboltstorage "github.com/jmcleod/gatekeeper/storage/bbolt"
)

func TestAccounts_SetPasswordAndEnroll(t *testing.T) {
	data := filepath.Join(t.TempDir(), "gatekeeper.db")
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		accountEmail = ""
	})
	storageFlags := []string{"--storage", "bbolt", "--data", data}

	_, err := runRoot(t, append([]string{"accounts", "put", "cust-1", "--email", "shopper@example.com"}, storageFlags...)...)
	require.NoError(t, err)

	rootCmd.SetIn(strings.NewReader("correct horse battery\n"))
	out, err := runRoot(t, append([]string{"accounts", "set-password", "cust-1"}, storageFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "password set for cust-1")

	rootCmd.SetIn(strings.NewReader("short\n"))
	_, err = runRoot(t, append([]string{"accounts", "set-password", "cust-1"}, storageFlags...)...)
	assert.ErrorIs(t, err, identity.ErrWeakPassword)

	_, err = runRoot(t, append([]string{"accounts", "enroll-mfa", "cust-1"}, storageFlags...)...)
	require.NoError(t, err)

	repo, err := bboltstorage.NewRepositoryFromFile(data, nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	acct, err := identity.NewPasswords(repo, identity.NewRepositoryAccounts(repo)).Authenticate(ctx, "shopper@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", acct.ID)
	assert.True(t, acct.MFAEnabled)

	evs, err := events.NewRepositoryStore(repo).Query(ctx, events.Filter{UserID: "cust-1", Types: []events.Type{events.TypeMFAEnabled}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "cli", evs[0].Details["source"])
}
