// Package routes wires ordergate's HTTP handlers into the public route
// table. The gateway talks directly to in-process Go collaborators; there
// are no upstream service targets to proxy to.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gwauth "ordergate/gateway/auth"
	"ordergate/gateway/middleware"
)

// Config configures the router: the domain Deps plus the ambient
// middleware stack.
type Config struct {
	Deps          Deps
	Authenticator *middleware.Authenticator // operator-facing JWT auth
	APIKeyAuth    *gwauth.Authenticator     // agent/machine-facing HMAC auth
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// operatorScopes are required of the JWT bearer on operator-only routes.
var operatorScopes = []string{"ordergate.operator"}

// New builds the gateway's HTTP handler.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Correlation)

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	d := cfg.Deps

	r.Get("/", handleLiveness)
	r.Get("/api/v1/health", d.handleHealth)
	if obs != nil {
		r.Handle("/api/v1/metrics", obs.MetricsHandler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware("api"))
		}

		api.Post("/propose", d.handlePropose)
		api.Post("/simulate", d.handleSimulate)
		api.Post("/risk/evaluate", d.handleRiskEvaluate)

		api.Post("/approval/request", d.handleApprovalRequest)
		api.Get("/approval/pending", d.handleApprovalPending)

		api.Group(func(operator chi.Router) {
			if cfg.Authenticator != nil {
				operator.Use(cfg.Authenticator.Middleware(operatorScopes...))
			}
			operator.Post("/approval/grant", d.handleApprovalGrant)
			operator.Post("/approval/deny", d.handleApprovalDeny)
			operator.Post("/kill-switch/activate", d.handleKillSwitchActivate)
			operator.Post("/kill-switch/deactivate", d.handleKillSwitchDeactivate)
		})
		api.Get("/kill-switch/status", d.handleKillSwitchStatus)

		api.Group(func(machine chi.Router) {
			if cfg.APIKeyAuth != nil {
				machine.Use(gwauth.Middleware(cfg.APIKeyAuth))
			}
			machine.Post("/orders/submit", d.handleOrdersSubmit)
			machine.Post("/orders/cancel", d.handleOrdersCancel)
		})
	})

	return r
}
