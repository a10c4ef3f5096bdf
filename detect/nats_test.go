package detect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSDispatcher_Publishes(t *testing.T) {
	ns := runNATSServer(t)

	nc, err := ConnectNATS(ns.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("gatekeeper.alerts.critical.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	d := NewNATSDispatcher(nc, "")
	alert := Alert{ID: "a1", Type: AlertBruteForce, Severity: SeverityCritical, IP: "10.0.0.1"}
	assert.Equal(t, "gatekeeper.alerts.critical.brute_force", d.Subject(alert))
	require.NoError(t, d.Notify(context.Background(), alert))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gatekeeper.alerts.critical.brute_force", msg.Subject)

	var got Alert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, SeverityCritical, got.Severity)
}

func TestNATSDispatcher_ClosedConnection(t *testing.T) {
	ns := runNATSServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	nc.Close()

	d := NewNATSDispatcher(nc, "custom")
	err = d.Notify(context.Background(), Alert{ID: "a1", Type: AlertBruteForce, Severity: SeverityHigh})
	assert.Error(t, err)
}
