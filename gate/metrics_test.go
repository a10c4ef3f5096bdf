package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/routes"
	"github.com/jmcleod/gatekeeper/storage/memory"
)

type nopSink struct{}

func (nopSink) Append(_ context.Context, _ events.SecurityEvent) {}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.decision(OutcomeAllowed, ReasonGranted)
	m.rateLimited("login")
	m.dependencyError("identity")
	m.alert(detect.Alert{})
	m.EventQueued(events.SecurityEvent{})
	m.EventDropped(events.SecurityEvent{})
}

func TestMetrics_RecordsDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	table, err := routes.Default()
	require.NoError(t, err)
	g := New(table, identity.NewCookieProvider(identity.NewMemorySessionStore()),
		identity.NewRepositoryAccounts(memory.NewRepository()), nopSink{}, WithMetrics(m))
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/products", nil))
	m.EventDropped(events.SecurityEvent{})
	m.EventQueued(events.SecurityEvent{Type: events.TypeLogin})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("unauthenticated", ReasonSessionAbsent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("allowed", "public")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsQueued.WithLabelValues("login")))

	n, err := testutil.GatherAndCount(reg, "gatekeeper_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
