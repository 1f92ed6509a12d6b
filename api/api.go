package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azisaba/commander/auth"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *auth.Service
	limiters       *rateLimiters
	audit          *auditLogger
	metrics        *metricsCollector
	registry       *prometheus.Registry
	alertFn        AlertFunc
	logger         *slog.Logger
	trustedProxies []netip.Prefix
	webhookURL     string
	webhookHeader  string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and internal errors.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are honored
// when determining the client IP. See ParseTrustedProxies.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithMetricsRegistry registers the API's Prometheus collectors on reg
// instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithAlertFunc sets the callback invoked on login failure spikes and
// second-factor lockout spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event as JSON to url. authHeader,
// if set, has the form "Header: Value" and is sent with each request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = authHeader
	}
}

// New creates a new API instance.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		svc:      svc,
		limiters: newRateLimiters(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	if a.alertFn == nil {
		a.alertFn = func(e AlertEvent) {
			a.logger.Warn("security alert",
				slog.String("type", string(e.Type)),
				slog.String("message", e.Message),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}
	}
	a.metrics = newMetricsCollector(a.registry, a.alertFn)
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = a.metrics
	a.audit.clientIP = a.extractClientIP
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// MetricsHandler serves the API's Prometheus registry.
func (a *API) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// RunLimiterSweeper drops stale rate-limit records every interval until ctx
// is done.
func (a *API) RunLimiterSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiters.sweep()
		}
	}
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted at /v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/v1/openapi.yaml",
		Path:    "v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/v1/openapi.yaml",
		Path:    "v1/redoc",
	}, nil))

	r.Get("/", a.Index)
	r.Post("/login", a.Login)
	r.Post("/register", a.Register)
	r.Post("/logout", a.Logout)
	r.With(a.RequireAuthenticated).Post("/2fa", a.TwoFactor)
	r.With(a.RequireSession).Get("/me", a.Me)

	r.Route("/users", func(r chi.Router) {
		r.Use(a.RequireSession, a.RequireAdmin)
		r.Get("/", a.ListUsers)
		r.Get("/{id}", a.GetUser)
		r.Delete("/{id}", a.DeleteUser)
		r.Get("/{id}/group", a.GetGroup)
		r.Put("/{id}/group", a.SetGroup)
		r.Get("/{id}/permissions", a.ListPermissions)
		r.Post("/{id}/permissions", a.AddPermission)
		r.Delete("/{id}/permissions/{permission}", a.RemovePermission)
	})

	return r
}
