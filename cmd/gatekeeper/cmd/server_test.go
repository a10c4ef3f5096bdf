package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/config"
	"github.com/jmcleod/gatekeeper/gate"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/routes"
	"github.com/jmcleod/gatekeeper/storage/memory"
	"github.com/jmcleod/gatekeeper/whitelist"
)

func newTestStack(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	if mutate != nil {
		mutate(cfg)
	}
	table, err := routes.Default()
	require.NoError(t, err)

	rt := &runtime{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		repo:   memory.NewRepository(),
		close:  func() {},
	}
	st, err := buildStack(rt, table)
	require.NoError(t, err)
	t.Cleanup(st.shutdown)
	return st
}

func serve(st *stack, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBuildStack_HealthAndMetricsBypassGate(t *testing.T) {
	st := newTestStack(t, nil)

	rec := serve(st, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	serve(st, "/products")
	rec = serve(st, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gatekeeper_")
}

func TestBuildStack_PublicReachesPlaceholder(t *testing.T) {
	st := newTestStack(t, nil)

	rec := serve(st, "/products/mug")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"path":"/products/mug"`)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestBuildStack_ProtectedRoutesRedirect(t *testing.T) {
	st := newTestStack(t, nil)

	for _, path := range []string{"/dashboard", "/api/admin/audit/events"} {
		rec := serve(st, path)
		assert.Equal(t, http.StatusTemporaryRedirect, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Location"), gate.PathLogin, path)
	}
}

func TestBuildStack_MetricsDisabled(t *testing.T) {
	st := newTestStack(t, func(c *config.Config) { c.Metrics.Enabled = false })

	rec := serve(st, "/metrics")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code, "unclassified paths fail closed")
}

func TestBuildStack_BadDigestKey(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.AdminSession.DigestKey = "not-hex"
	table, err := routes.Default()
	require.NoError(t, err)

	_, err = buildStack(&runtime{cfg: cfg, logger: slog.Default(), repo: memory.NewRepository(), close: func() {}}, table)
	assert.Error(t, err)
}

func TestUpstreamHandler_Proxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-User", r.Header.Get(gate.HeaderUserID))
		w.Write([]byte(r.URL.Path)) //nolint:errcheck
	}))
	defer backend.Close()

	h, err := upstreamHandler(backend.URL, slog.Default())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders/7", nil)
	req.Header.Set(gate.HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/orders/7", rec.Body.String())
	assert.Equal(t, "u1", rec.Header().Get("X-Seen-User"))

	_, err = upstreamHandler("not a url", slog.Default())
	assert.Error(t, err)
}

func TestUnguardedAdminRoutes(t *testing.T) {
	ctx := context.Background()
	table, err := routes.Default()
	require.NoError(t, err)

	rules := whitelist.NewRules(memory.NewRepository())
	assert.Equal(t, []string{"admin"}, unguardedAdminRoutes(ctx, table, nil, rules))
	assert.Empty(t, unguardedAdminRoutes(ctx, table, []string{"10.0.0.0/8"}, rules))

	_, err = rules.Add(ctx, "office", "198.51.100.0/24", "")
	require.NoError(t, err)
	assert.Empty(t, unguardedAdminRoutes(ctx, table, nil, rules))

	guarded, err := routes.Load(strings.NewReader(`
routes:
  - name: backoffice
    path_prefixes: [/backoffice]
    required_roles: [ADMIN]
    ip_whitelist: [127.0.0.1/32]
    admin_session: {required: true}
`))
	require.NoError(t, err)
	assert.Empty(t, unguardedAdminRoutes(ctx, guarded, nil, nil))
}

func TestBuildStack_WarnsWhenAdminTierUnrestricted(t *testing.T) {
	var buf bytes.Buffer
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	table, err := routes.Default()
	require.NoError(t, err)

	st, err := buildStack(&runtime{cfg: cfg, logger: slog.New(slog.NewTextHandler(&buf, nil)), repo: memory.NewRepository(), close: func() {}}, table)
	require.NoError(t, err)
	st.shutdown()
	assert.Contains(t, buf.String(), "admin route reachable from any address")
	assert.Contains(t, buf.String(), "route=admin")

	buf.Reset()
	cfg.Whitelist.Static = []string{"10.0.0.0/8"}
	st, err = buildStack(&runtime{cfg: cfg, logger: slog.New(slog.NewTextHandler(&buf, nil)), repo: memory.NewRepository(), close: func() {}}, table)
	require.NoError(t, err)
	st.shutdown()
	assert.NotContains(t, buf.String(), "admin route reachable from any address")
}

func TestBuildStack_LoginOpensSession(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	table, err := routes.Default()
	require.NoError(t, err)
	repo := memory.NewRepository()

	ctx := context.Background()
	accounts := identity.NewRepositoryAccounts(repo)
	require.NoError(t, accounts.PutAccount(ctx, identity.Account{ID: "cust-1", Email: "shopper@example.com", Role: identity.RoleCustomer, IsActive: true}))
	require.NoError(t, identity.NewPasswords(repo, accounts).SetPassword(ctx, "cust-1", "correct horse battery"))

	st, err := buildStack(&runtime{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), repo: repo, close: func() {}}, table)
	require.NoError(t, err)
	t.Cleanup(st.shutdown)

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		st.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(gate.PathLogin, `{"email":"nobody@example.com","password":"whatever-long"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(gate.PathLogin, `{"email":"Shopper@Example.com","password":"correct horse battery"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == identity.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	st.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"cust-1"`)
}

func TestBuildStack_PasswordResetLimited(t *testing.T) {
	st := newTestStack(t, nil)

	codes := make([]int, 0, 4)
	for range 4 {
		rec := httptest.NewRecorder()
		st.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, passwordResetPath, strings.NewReader(`{"email":"shopper@example.com"}`)))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
