package whitelist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/storage/memory"
)

func TestRules_CRUD(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules := NewRules(memory.NewRepository(), WithClock(func() time.Time { return now }))

	office, err := rules.Add(ctx, "office", "192.168.1.0/24", "HQ")
	require.NoError(t, err)
	assert.True(t, office.IsActive)
	assert.NotEmpty(t, office.ID)

	now = now.Add(time.Minute)
	vpn, err := rules.Add(ctx, "vpn", " 10.8.0.1 ", "")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.1", vpn.CIDR)

	all, err := rules.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, office.ID, all[0].ID)

	now = now.Add(time.Minute)
	disabled, err := rules.SetActive(ctx, office.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.IsActive)
	assert.True(t, disabled.UpdatedAt.After(disabled.CreatedAt))

	active, err := rules.ActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, vpn.ID, active[0].ID)

	require.NoError(t, rules.Remove(ctx, vpn.ID))
	assert.ErrorIs(t, rules.Remove(ctx, vpn.ID), ErrRuleNotFound)
	_, err = rules.Get(ctx, vpn.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = rules.SetActive(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRules_RejectsInvalidCIDR(t *testing.T) {
	rules := NewRules(memory.NewRepository())
	for _, bad := range []string{"", "999.1.1.1", "10.0.0.0/33", "not-an-ip", "10.0.0.0/x"} {
		_, err := rules.Add(context.Background(), "bad", bad, "")
		assert.ErrorIs(t, err, ErrInvalidCIDR, "cidr %q", bad)
	}
	for _, good := range []string{"10.0.0.0/8", "2001:db8::/32", "203.0.113.7", "::1"} {
		assert.NoError(t, ValidateCIDR(good), "cidr %q", good)
	}
}

type fakeSource struct {
	rules []Rule
	err   error
	calls int
}

func (f *fakeSource) ActiveRules(context.Context) ([]Rule, error) {
	f.calls++
	return f.rules, f.err
}

func TestChecker(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		static []string
		rules  []Rule
		ip     string
		want   bool
	}{
		{name: "unconfigured allows", ip: "203.0.113.1", want: true},
		{name: "static match", static: []string{"192.168.1.0/24"}, ip: "192.168.1.50", want: true},
		{name: "static miss", static: []string{"192.168.1.0/24"}, ip: "203.0.113.1", want: false},
		{name: "rule match", rules: []Rule{{CIDR: "10.0.0.0/8"}}, ip: "10.2.3.4", want: true},
		{name: "rule miss", rules: []Rule{{CIDR: "10.0.0.0/8"}}, ip: "11.0.0.1", want: false},
		{name: "union", static: []string{"192.168.1.0/24"}, rules: []Rule{{CIDR: "10.0.0.1"}}, ip: "10.0.0.1", want: true},
		{name: "unknown ip", static: []string{"192.168.1.0/24"}, ip: "unknown", want: false},
		{name: "malformed prefix length denies", static: []string{"192.168.1.0/33"}, ip: "203.0.113.10", want: false},
		{name: "truncated network denies", static: []string{"192.168.1/24"}, ip: "203.0.113.10", want: false},
		{name: "malformed rule denies", rules: []Rule{{CIDR: "10.0.0.0/99"}}, ip: "203.0.113.10", want: false},
		{name: "blank entries stay unconfigured", static: []string{"", "  "}, ip: "203.0.113.10", want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(&fakeSource{rules: tc.rules}, WithStaticRanges(tc.static), WithCacheTTL(0))
			got, err := c.Allowed(ctx, tc.ip)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestChecker_SourceError(t *testing.T) {
	boom := errors.New("db down")
	c := NewChecker(&fakeSource{err: boom}, WithStaticRanges([]string{"192.168.1.0/24"}))

	ok, err := c.Allowed(context.Background(), "192.168.1.9")
	assert.NoError(t, err, "static ranges should not need the source")
	assert.True(t, ok)

	ok, err = c.Allowed(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

func TestChecker_CachesActiveRules(t *testing.T) {
	src := &fakeSource{rules: []Rule{{CIDR: "10.0.0.0/8"}}}
	c := NewChecker(src, WithCacheTTL(time.Minute))

	for i := 0; i < 3; i++ {
		_, err := c.Allowed(context.Background(), "10.0.0.1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)

	c.Invalidate()
	_, err := c.Allowed(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestChecker_ForRangesSharesSource(t *testing.T) {
	src := &fakeSource{rules: []Rule{{CIDR: "10.0.0.0/8"}}}
	base := NewChecker(src)
	route := base.ForRanges([]string{"172.16.0.0/12"})

	ok, err := route.Allowed(context.Background(), "172.16.5.5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = base.Allowed(context.Background(), "172.16.5.5")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = route.Allowed(context.Background(), "10.1.1.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChecker_WithRepositoryRules(t *testing.T) {
	ctx := context.Background()
	rules := NewRules(memory.NewRepository())
	c := NewChecker(rules, WithCacheTTL(0))

	r, err := rules.Add(ctx, "office", "192.168.1.0/24", "")
	require.NoError(t, err)

	ok, err := c.Allowed(ctx, "192.168.1.1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = rules.SetActive(ctx, r.ID, false)
	require.NoError(t, err)
	ok, err = c.Allowed(ctx, "192.168.2.1")
	require.NoError(t, err)
	assert.True(t, ok, "no active rules means the whitelist is unconfigured")
}

func TestChecker_ForRangesKeepsStaticRanges(t *testing.T) {
	base := NewChecker(nil, WithStaticRanges([]string{"203.0.113.0/24"}))
	route := base.ForRanges([]string{"198.51.100.7"})

	for _, ip := range []string{"203.0.113.9", "198.51.100.7"} {
		ok, err := route.Allowed(context.Background(), ip)
		require.NoError(t, err)
		assert.True(t, ok, ip)
	}
	ok, err := base.Allowed(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, ok)
}
