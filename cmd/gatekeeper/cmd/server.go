package cmd

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/adminsession"
	"github.com/jmcleod/gatekeeper/config"
	"github.com/jmcleod/gatekeeper/detect"
	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/gate"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/internal/janitor"
	"github.com/jmcleod/gatekeeper/mfa"
	"github.com/jmcleod/gatekeeper/ratelimit"
	"github.com/jmcleod/gatekeeper/routes"
	"github.com/jmcleod/gatekeeper/whitelist"
)

const auditBasePath = "/api/admin/audit"

// passwordResetPath is rate limited here and answered by the storefront.
const passwordResetPath = "/auth/password-reset"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gatekeeper HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()
		cfg := rt.cfg

		table, err := loadRoutes(cfg.RoutesFile)
		if err != nil {
			return err
		}

		st, err := buildStack(rt, table)
		if err != nil {
			return err
		}
		defer st.shutdown()

		var tlsConfig *tls.Config
		if cfg.Server.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           st.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}

		printBanner(cmd.OutOrStdout())
		st.janitor.Start()

		errCh := make(chan error, 1)
		go func() {
			rt.logger.Info("gatekeeper listening",
				"addr", cfg.Listen,
				"tls", tlsConfig != nil,
				"storage", cfg.Storage.Backend,
				"upstream", cfg.Server.Upstream,
				"routes", len(table.Routes()))
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		rt.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().String("listen", "", "Address to listen on (default :8080)")
	serverCmd.Flags().String("upstream", "", "Storefront URL to proxy admitted requests to")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
	rootCmd.AddCommand(serverCmd)
}

func loadRoutes(path string) (*routes.Table, error) {
	if path == "" {
		return routes.Default()
	}
	return routes.LoadFile(path)
}

// stack is the assembled request path and everything that must be stopped
// with it.
type stack struct {
	handler http.Handler
	janitor *janitor.Janitor
	closers []func()
}

// shutdown releases resources in reverse order of construction.
func (s *stack) shutdown() {
	s.janitor.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// adminPolicy returns the admin-session settings of the first admin-tier
// route, or the defaults when the table has none.
func adminPolicy(table *routes.Table) (time.Duration, int) {
	for _, rc := range table.Routes() {
		if rc.AdminTier() && rc.AdminSession != nil {
			return rc.AdminSession.Timeout, rc.AdminSession.MaxConcurrent
		}
	}
	return adminsession.DefaultTimeout, adminsession.DefaultMaxConcurrent
}

// unguardedAdminRoutes names the admin-tier routes left open to every
// address: no route ranges, no static ranges and no active rules. A rule
// source error is treated as no rules.
func unguardedAdminRoutes(ctx context.Context, table *routes.Table, static []string, src whitelist.Source) []string {
	if len(static) > 0 {
		return nil
	}
	if src != nil {
		if active, err := src.ActiveRules(ctx); err == nil && len(active) > 0 {
			return nil
		}
	}
	var names []string
	for _, rc := range table.Routes() {
		if rc.AdminTier() && len(rc.IPWhitelist) == 0 {
			names = append(names, rc.Name)
		}
	}
	return names
}

func limiterPolicy(p config.PolicyConfig) ratelimit.Policy {
	return ratelimit.Policy{Window: p.Window, MaxAttempts: p.MaxAttempts, FailClosed: p.FailClosed}
}

func buildStack(rt *runtime, table *routes.Table) (*stack, error) {
	cfg, logger, repo := rt.cfg, rt.logger, rt.repo
	st := &stack{janitor: janitor.New(cfg.Janitor.Interval, cfg.Janitor.Timeout, logger)}

	reg := prometheus.NewRegistry()
	var metrics *gate.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = gate.NewMetrics(reg)
	}

	eventLog := events.NewLog(events.NewRepositoryStore(repo),
		events.WithLogger(logger),
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithWriteTimeout(cfg.Events.WriteTimeout),
		events.WithDropHandler(metrics.EventDropped),
		events.WithWriteHandler(metrics.EventQueued),
	)
	st.closers = append(st.closers, eventLog.Close)
	st.janitor.Register("security_events", janitor.SweepFunc(eventLog.RetentionSweeper(cfg.Events.Retention)))

	dispatchers := detect.MultiDispatcher{detect.NewLogDispatcher(logger)}
	if cfg.Alerts.WebhookURL != "" {
		wh := detect.NewWebhookDispatcher(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookAuthHeader,
			detect.WithWebhookLogger(logger))
		st.closers = append(st.closers, wh.Close)
		dispatchers = append(dispatchers, wh)
	}
	if cfg.Alerts.NATSURL != "" {
		nc, err := detect.ConnectNATS(cfg.Alerts.NATSURL, logger)
		if err != nil {
			st.shutdown()
			return nil, err
		}
		st.closers = append(st.closers, func() { drainNATS(nc, logger) })
		dispatchers = append(dispatchers, detect.NewNATSDispatcher(nc, cfg.Alerts.NATSSubjectPrefix))
	}
	detector := detect.New(eventLog,
		detect.WithAlertStore(detect.NewRepositoryAlertStore(repo)),
		detect.WithDispatcher(dispatchers),
		detect.WithWindow(cfg.Detection.Window),
		detect.WithThresholds(cfg.Detection.HighThreshold, cfg.Detection.CriticalThreshold),
		detect.WithLogger(logger),
	)

	var counters ratelimit.CounterStore
	if cfg.RateLimit.Shared {
		rs := ratelimit.NewRepositoryStore(repo)
		st.janitor.Register("rate_limits", rs)
		counters = rs
	} else {
		counters = ratelimit.NewMemoryStore(cfg.Janitor.Interval)
	}
	limiter := ratelimit.New(counters,
		ratelimit.WithPolicy(ratelimit.ActionLogin, limiterPolicy(cfg.RateLimit.Login)),
		ratelimit.WithPolicy(ratelimit.ActionPasswordReset, limiterPolicy(cfg.RateLimit.PasswordReset)),
		ratelimit.WithPolicy(ratelimit.ActionAdminAccess, limiterPolicy(cfg.RateLimit.AdminAccess)),
		ratelimit.WithLogger(logger),
	)

	rules := whitelist.NewRules(repo, whitelist.WithLogger(logger))
	checker := whitelist.NewChecker(rules,
		whitelist.WithStaticRanges(cfg.Whitelist.Static),
		whitelist.WithCacheTTL(cfg.Whitelist.CacheTTL),
	)

	for _, name := range unguardedAdminRoutes(context.Background(), table, cfg.Whitelist.Static, rules) {
		logger.Warn("admin route reachable from any address; set ip_whitelist, whitelist.static or add a whitelist rule",
			"route", name)
	}

	timeout, maxConcurrent := adminPolicy(table)
	sessionOpts := []adminsession.Option{
		adminsession.WithTimeout(timeout),
		adminsession.WithMaxConcurrent(maxConcurrent),
		adminsession.WithIPChecker(checker),
		adminsession.WithAlertChecker(detector),
		adminsession.WithLogger(logger),
	}
	if cfg.AdminSession.DigestKey != "" {
		key, err := hex.DecodeString(cfg.AdminSession.DigestKey)
		if err != nil {
			st.shutdown()
			return nil, fmt.Errorf("decoding admin_session.digest_key: %w", err)
		}
		sessionOpts = append(sessionOpts, adminsession.WithDigestKey(key))
	}
	adminSessions := adminsession.NewManager(adminsession.NewRepositoryStore(repo), sessionOpts...)
	st.janitor.Register("admin_sessions", adminSessions)

	provider := identity.NewCookieProvider(identity.NewPersistentSessionStore(repo))
	accounts := identity.NewRepositoryAccounts(repo)
	verifier := mfa.NewTOTPVerifier(mfa.NewRepositorySecrets(repo), nil)

	g := gate.New(table, provider, accounts, eventLog,
		gate.WithLimiter(limiter),
		gate.WithDetector(detector),
		gate.WithAdminSessions(adminSessions),
		gate.WithWhitelist(checker),
		gate.WithIPResolver(gate.NewIPResolver(cfg.TrustedProxies)),
		gate.WithMetrics(metrics),
		gate.WithDependencyTimeout(cfg.DependencyTimeout),
		gate.WithLogger(logger),
	)

	login := g.Login(identity.NewPasswords(repo, accounts), provider,
		gate.WithSessionTTL(cfg.Session.TTL),
	)

	upstream, err := upstreamHandler(cfg.Server.Upstream, logger)
	if err != nil {
		st.shutdown()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Group(func(r chi.Router) {
		r.Use(g.Middleware)
		login.Routes(r)
		r.With(login.PasswordResetGuard).Post(passwordResetPath, upstream.ServeHTTP)
		g.Elevation(adminSessions, verifier).Routes(r)
		audit := gate.NewAuditAPI(eventLog, detector,
			gate.WithBasePath(auditBasePath),
			gate.WithAuditLogger(logger),
		)
		r.Mount(auditBasePath, audit.Router())
		r.Handle("/*", upstream)
	})

	st.handler = r
	return st, nil
}

func drainNATS(nc *nats.Conn, logger *slog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("draining nats connection", "error", err)
	}
}

// upstreamHandler proxies admitted requests to the storefront. Without an
// upstream it answers with the identity the gate attached, which is enough
// to exercise routing policy locally.
func upstreamHandler(raw string, logger *slog.Logger) (http.Handler, error) {
	if raw == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"path":%q,"user_id":%q,"role":%q}`+"\n",
				r.URL.Path, r.Header.Get(gate.HeaderUserID), r.Header.Get(gate.HeaderUserRole))
		}), nil
	}
	target, err := url.Parse(raw)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", raw)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}
