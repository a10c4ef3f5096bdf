package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubjectPrefix is prepended to alert subjects.
const DefaultNATSSubjectPrefix = "gatekeeper.alerts"

// NATSDispatcher publishes alerts as JSON on
// <prefix>.<severity>.<type>, so subscribers can filter with wildcards
// such as "gatekeeper.alerts.critical.>".
type NATSDispatcher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSDispatcher publishes through an existing connection.
func NewNATSDispatcher(nc *nats.Conn, prefix string) *NATSDispatcher {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSDispatcher{nc: nc, prefix: prefix}
}

// ConnectNATS dials url with reconnect handling that logs through logger.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("gatekeeper"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an alert is published on.
func (d *NATSDispatcher) Subject(a Alert) string {
	return fmt.Sprintf("%s.%s.%s", d.prefix, a.Severity.String(), a.Type)
}

func (d *NATSDispatcher) Notify(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	subject := d.Subject(a)
	if err := d.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}
	return nil
}
