// Package apihttp holds the application endpoints served behind the
// request pipeline. Each handler is registered on the route group whose
// interceptors it needs.
package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

// CSPReportPath receives browser CSP violation reports. It is the only
// path that accepts application/csp-report bodies.
const CSPReportPath = "/api/csp/report"

type Options struct {
	Logger     log.Logger
	Normalizer *problem.Normalizer
	Policy     policy.Source
	PolicyInfo httpmw.PolicyInfo
	Items      *ItemStore
	Now        func() time.Time
}

// API implements httpserver.RouteRegistrar for the application endpoints.
type API struct {
	logger   log.Logger
	security log.Logger
	n        *problem.Normalizer
	policy   policy.Source
	info     httpmw.PolicyInfo
	items    *ItemStore
	now      func() time.Time
}

var _ httpserver.RouteRegistrar = (*API)(nil)

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = problem.NewNormalizer("", true, opts.Logger)
	}
	if opts.Policy == nil {
		opts.Policy = policy.Static(nil)
	}
	if opts.Items == nil {
		opts.Items = NewItemStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		logger:   opts.Logger,
		security: log.Channel(opts.Logger, log.ChannelSecurity),
		n:        opts.Normalizer,
		policy:   opts.Policy,
		info:     opts.PolicyInfo,
		items:    opts.Items,
		now:      opts.Now,
	}
}

// RegisterRoutes attaches every endpoint to its group. Each endpoint is
// scoped so its logs and span carry a handler name.
func (api *API) RegisterRoutes(g httpserver.Groups) {
	h := api.n.Handler
	scope := httpmw.Scope

	health := g.Public.With(scope("health"))
	health.Get("/api/health", api.HandleHealth)
	health.Get("/api/v1/health", api.HandleHealth)
	g.Public.With(scope("csp_report")).Method(http.MethodPost, CSPReportPath, h(api.HandleCSPReport))

	g.API.With(scope("me")).Get("/api/v1/me", api.HandleMe)
	items := g.API.With(scope("items"))
	items.Method(http.MethodGet, "/api/v1/items", h(api.HandleListItems))
	items.Method(http.MethodPost, "/api/v1/items", h(api.HandleCreateItem))
	items.Method(http.MethodGet, "/api/v1/items/{id}", h(api.HandleGetItem))
	items.Method(http.MethodDelete, "/api/v1/items/{id}", h(api.HandleDeleteItem))

	g.ReadOnly.With(scope("catalog")).Method(http.MethodGet, "/api/v1/catalog", h(api.HandleCatalog))

	g.Internal.With(scope("dashboard")).Method(http.MethodGet, "/api/v1/admin/dashboard", h(api.HandleDashboard))

	g.Webhook.With(scope("webhook")).Method(http.MethodPost, "/api/v1/webhooks/{provider}", h(api.HandleWebhook))

	g.Dynamic.With(scope("session")).Get("/api/v1/session", api.HandleSession)
	g.Dynamic.With(scope("password_reset")).Method(http.MethodPost, "/api/v1/password/reset", h(api.HandlePasswordReset))
}

// HealthResponse is the public liveness document.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	api.writeJSON(r.Context(), w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: api.now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response, logging encoding errors
func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		api.logger.Error(ctx, err, "failed to encode JSON response")
	}
}
