package gate

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
)

//go:embed openapi.yaml
var openapiSpec []byte

// EventQuerier is the read side of the security event log.
type EventQuerier interface {
	Query(ctx context.Context, f events.Filter) ([]events.SecurityEvent, error)
}

// AlertManager lists and resolves security alerts.
type AlertManager interface {
	Alerts() detect.AlertStore
	Resolve(ctx context.Context, id string) (detect.Alert, error)
}

// AuditAPI is the operator-facing JSON view of the event log and alerts.
// It is meant to be mounted behind the gate on an admin-tier route.
type AuditAPI struct {
	events   EventQuerier
	alerts   AlertManager
	basePath string
	logger   *slog.Logger
}

// AuditOption configures an AuditAPI.
type AuditOption func(*AuditAPI)

// WithBasePath sets where the router is mounted, for the docs' spec URL.
func WithBasePath(p string) AuditOption {
	return func(a *AuditAPI) { a.basePath = strings.TrimRight(p, "/") }
}

// WithAuditLogger sets the logger.
func WithAuditLogger(logger *slog.Logger) AuditOption {
	return func(a *AuditAPI) { a.logger = logger }
}

// NewAuditAPI returns an AuditAPI over the given event log and detector.
func NewAuditAPI(evts EventQuerier, alerts AlertManager, opts ...AuditOption) *AuditAPI {
	a := &AuditAPI{events: evts, alerts: alerts, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit_api")
	return a
}

// Router returns the audit API handler.
func (a *AuditAPI) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    strings.TrimPrefix(a.basePath+"/redoc", "/"),
		Title:   "Gatekeeper audit API",
	}, nil))

	r.Get("/events", a.ListEvents)
	r.Get("/alerts", a.ListAlerts)
	r.Get("/alerts/{alertID}", a.GetAlert)
	r.Post("/alerts/{alertID}/resolve", a.ResolveAlert)
	return r
}

// EventsResponse is a page of security events, newest first.
type EventsResponse struct {
	Events []events.SecurityEvent `json:"events"`
	PaginationMeta
}

// AlertsResponse is a page of alerts, newest first.
type AlertsResponse struct {
	Alerts []detect.Alert `json:"alerts"`
	PaginationMeta
}

func parseTime(q string) (time.Time, error) {
	if q == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, q)
}

// ListEvents serves GET /events.
func (a *AuditAPI) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{
		IP:     q.Get("ip"),
		UserID: q.Get("user_id"),
	}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			typ := events.Type(strings.TrimSpace(t))
			if !typ.Valid() {
				writeError(w, http.StatusBadRequest, "unknown event type "+string(typ))
				return
			}
			f.Types = append(f.Types, typ)
		}
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until must be RFC 3339")
		return
	}

	evts, err := a.events.Query(r.Context(), f)
	if err != nil {
		a.logger.Error("querying events failed", "error", err)
		mapError(w, err)
		return
	}
	slices.Reverse(evts)

	page, meta := paginate(r, evts)
	writeJSON(w, http.StatusOK, EventsResponse{Events: page, PaginationMeta: meta})
}

// ListAlerts serves GET /alerts.
func (a *AuditAPI) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := detect.AlertFilter{
		UnresolvedOnly: q.Get("unresolved") == "true",
		UserID:         q.Get("user_id"),
		IP:             q.Get("ip"),
	}
	alerts, err := a.alerts.Alerts().List(r.Context(), f)
	if err != nil {
		a.logger.Error("listing alerts failed", "error", err)
		mapError(w, err)
		return
	}
	slices.Reverse(alerts)

	page, meta := paginate(r, alerts)
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: page, PaginationMeta: meta})
}

// GetAlert serves GET /alerts/{alertID}.
func (a *AuditAPI) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.Alerts().Get(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		if !errors.Is(err, detect.ErrAlertNotFound) {
			a.logger.Error("loading alert failed", "error", err)
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert serves POST /alerts/{alertID}/resolve.
func (a *AuditAPI) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	alert, err := a.alerts.Resolve(r.Context(), id)
	if err != nil {
		if !errors.Is(err, detect.ErrAlertNotFound) {
			a.logger.Error("resolving alert failed", "alert_id", id, "error", err)
		}
		mapError(w, err)
		return
	}
	attrs := []slog.Attr{slog.String("alert_id", id)}
	if c, ok := CallerFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("user_id", c.Account.ID))
	}
	a.logger.LogAttrs(r.Context(), slog.LevelInfo, "alert resolved via api", attrs...)
	writeJSON(w, http.StatusOK, alert)
}
