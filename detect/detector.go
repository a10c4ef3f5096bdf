// Package detect classifies recent authentication failures into security
// alerts and hands new alerts to a dispatcher.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/internal/uuid"
)

const (
	// DefaultWindow is the trailing interval over which failures are counted.
	DefaultWindow = time.Hour
	// DefaultHighThreshold raises multiple_failed_logins.
	DefaultHighThreshold = 5
	// DefaultCriticalThreshold raises brute_force.
	DefaultCriticalThreshold = 10
)

// EventSource is the read side of the security event log.
type EventSource interface {
	Query(ctx context.Context, f events.Filter) ([]events.SecurityEvent, error)
}

// Detector inspects the event log for failed-login patterns.
type Detector struct {
	events     EventSource
	alerts     AlertStore
	dispatcher Dispatcher
	window     time.Duration
	high       int
	critical   int
	now        func() time.Time
	logger     *slog.Logger

	reportMu sync.Mutex
}

// Option configures a Detector.
type Option func(*Detector)

// WithAlertStore sets where alerts are persisted.
func WithAlertStore(s AlertStore) Option {
	return func(d *Detector) { d.alerts = s }
}

// WithDispatcher sets who is notified of new alerts.
func WithDispatcher(disp Dispatcher) Option {
	return func(d *Detector) { d.dispatcher = disp }
}

// WithWindow sets the default detection window.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) {
		if w > 0 {
			d.window = w
		}
	}
}

// WithThresholds overrides the failure counts that raise high and critical
// alerts.
func WithThresholds(high, critical int) Option {
	return func(d *Detector) {
		d.high = high
		d.critical = critical
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New returns a Detector reading from src.
func New(src EventSource, opts ...Option) *Detector {
	d := &Detector{
		events:   src,
		window:   DefaultWindow,
		high:     DefaultHighThreshold,
		critical: DefaultCriticalThreshold,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "detect")
	if d.alerts == nil {
		d.alerts = NewMemoryAlertStore()
	}
	if d.dispatcher == nil {
		d.dispatcher = NewLogDispatcher(d.logger)
	}
	return d
}

// Alerts returns the detector's alert store.
func (d *Detector) Alerts() AlertStore {
	return d.alerts
}

// Detect counts failed credential checks in the trailing window for ip and for
// userID separately and classifies the larger count. A window of zero uses
// the detector default. It returns nil when nothing is suspicious. The
// placeholder "unknown" IP is never counted.
func (d *Detector) Detect(ctx context.Context, ip, userID string, window time.Duration) (*Alert, error) {
	if window <= 0 {
		window = d.window
	}
	now := d.now()
	since := now.Add(-window)

	var ipCount, userCount int
	if ip != "" && ip != events.UnknownIP {
		n, err := d.countFailures(ctx, events.Filter{IP: ip, Since: since})
		if err != nil {
			return nil, err
		}
		ipCount = n
	}
	if userID != "" {
		n, err := d.countFailures(ctx, events.Filter{UserID: userID, Since: since})
		if err != nil {
			return nil, err
		}
		userCount = n
	}

	count := max(ipCount, userCount)
	alert := &Alert{
		UserID: userID,
		IP:     ip,
		Details: map[string]any{
			"failed_logins":  count,
			"ip_failures":    ipCount,
			"user_failures":  userCount,
			"window_seconds": int(window.Seconds()),
		},
		Timestamp: now,
	}
	switch {
	case count >= d.critical:
		alert.Type, alert.Severity = AlertBruteForce, SeverityCritical
	case count >= d.high:
		alert.Type, alert.Severity = AlertMultipleFailedLogins, SeverityHigh
	default:
		return nil, nil
	}
	return alert, nil
}

// countFailures counts failed credential checks. Access-check denials carry
// no evidence of guessing and anyone can attribute them to any address.
func (d *Detector) countFailures(ctx context.Context, f events.Filter) (int, error) {
	f.Types = []events.Type{events.TypeFailedLogin}
	evts, err := d.events.Query(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("querying failed logins: %w", err)
	}
	n := 0
	for _, e := range evts {
		if events.CredentialFailure(e) {
			n++
		}
	}
	return n, nil
}

// Report stores alert and dispatches it, unless an unresolved alert of the
// same type for the same user and IP already exists. It returns the stored
// alert and whether it was new.
func (d *Detector) Report(ctx context.Context, alert Alert) (Alert, bool, error) {
	d.reportMu.Lock()
	defer d.reportMu.Unlock()

	open, err := d.alerts.List(ctx, AlertFilter{UnresolvedOnly: true, UserID: alert.UserID, IP: alert.IP})
	if err != nil {
		return alert, false, fmt.Errorf("listing alerts: %w", err)
	}
	for _, existing := range open {
		if existing.sameSubject(alert) {
			return existing, false, nil
		}
	}

	if alert.ID == "" {
		alert.ID = uuid.New()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now()
	}
	if err := d.alerts.Save(ctx, alert); err != nil {
		return alert, false, fmt.Errorf("saving alert: %w", err)
	}
	if err := d.dispatcher.Notify(ctx, alert); err != nil {
		d.logger.Warn("alert dispatch failed", "alert_id", alert.ID, "error", err)
	}
	return alert, true, nil
}

// HasUnresolved reports whether any unresolved alert names userID or ip.
func (d *Detector) HasUnresolved(ctx context.Context, userID, ip string) (bool, error) {
	if userID == "" && ip == "" {
		return false, nil
	}
	open, err := d.alerts.List(ctx, AlertFilter{UnresolvedOnly: true})
	if err != nil {
		return false, fmt.Errorf("listing alerts: %w", err)
	}
	for _, a := range open {
		if userID != "" && a.UserID == userID {
			return true, nil
		}
		if ip != "" && ip != events.UnknownIP && a.IP == ip {
			return true, nil
		}
	}
	return false, nil
}

// Resolve marks an alert resolved.
func (d *Detector) Resolve(ctx context.Context, id string) (Alert, error) {
	a, err := d.alerts.Resolve(ctx, id, d.now())
	if err != nil {
		return Alert{}, err
	}
	d.logger.Info("alert resolved", "alert_id", id, "type", string(a.Type))
	return a, nil
}
