package gate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/gate"
	"github.com/jmcleod/gatekeeper/internal/uuid"
)

func setupAuditServer(t *testing.T) (*httptest.Server, *events.MemoryStore, *detect.Detector) {
	t.Helper()
	store := events.NewMemoryStore()
	det := detect.New(store, detect.WithLogger(discard))
	api := gate.NewAuditAPI(store, det, gate.WithBasePath("/api/admin/audit"), gate.WithAuditLogger(discard))

	r := chi.NewRouter()
	r.Mount("/api/admin/audit", api.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, det
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestAuditAPI_ListEvents(t *testing.T) {
	srv, store, _ := setupAuditServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	types := []events.Type{events.TypeLogin, events.TypeFailedLogin, events.TypeFailedLogin, events.TypeAdminAccess}
	for i, typ := range types {
		require.NoError(t, store.Append(context.Background(), events.SecurityEvent{
			ID:        uuid.New(),
			Type:      typ,
			UserID:    "u-1",
			IP:        "192.0.2.1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var all gate.EventsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/events", &all))
	require.Len(t, all.Events, 4)
	assert.Equal(t, events.TypeAdminAccess, all.Events[0].Type, "newest first")
	assert.Equal(t, 4, all.TotalCount)

	var failed gate.EventsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/events?type=failed_login&limit=1", &failed))
	assert.Len(t, failed.Events, 1)
	assert.Equal(t, 2, failed.TotalCount)
	assert.True(t, failed.HasMore)

	var since gate.EventsResponse
	q := "?since=" + base.Add(2*time.Minute).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/events"+q, &since))
	assert.Len(t, since.Events, 2)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/admin/audit/events?type=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/admin/audit/events?since=yesterday", nil))
}

func TestAuditAPI_Alerts(t *testing.T) {
	srv, _, det := setupAuditServer(t)
	alert, created, err := det.Report(context.Background(), detect.Alert{
		Type:     detect.AlertBruteForce,
		Severity: detect.SeverityCritical,
		UserID:   "u-1",
		IP:       "192.0.2.1",
	})
	require.NoError(t, err)
	require.True(t, created)

	var open gate.AlertsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/alerts?unresolved=true", &open))
	require.Len(t, open.Alerts, 1)
	assert.Equal(t, alert.ID, open.Alerts[0].ID)

	var one detect.Alert
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/alerts/"+alert.ID, &one))
	assert.Equal(t, detect.SeverityCritical, one.Severity)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/admin/audit/alerts/"+alert.ID+"/resolve", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var resolved detect.Alert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resolved))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resolved.Resolved)
	assert.NotNil(t, resolved.ResolvedAt)

	open = gate.AlertsResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/admin/audit/alerts?unresolved=true", &open))
	assert.Empty(t, open.Alerts)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/admin/audit/alerts/missing", nil))
}

func TestAuditAPI_ServesSpec(t *testing.T) {
	srv, _, _ := setupAuditServer(t)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/admin/audit/openapi.yaml", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
}
