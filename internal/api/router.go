package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/ticketgate/internal/api/middleware"
	"github.com/kiranshivaraju/ticketgate/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	Accounts  *mw.Accounts
	AdminAuth *mw.AdminAuth
	RateLimit *mw.RateLimit
	CORS      *mw.CORS

	HealthHandler      http.HandlerFunc
	MetricsHandler     http.Handler
	StartJobHandler    http.HandlerFunc
	PollJobHandler     http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	BalanceHandler     http.HandlerFunc
	HistoryHandler     http.HandlerFunc
	GenerationsHandler http.HandlerFunc
	GrantHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	if deps.CORS != nil {
		r.Use(deps.CORS.Handle)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public
	r.Get("/api/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// End-user routes, authenticated by the identity provider's token
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Accounts.Ensure)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/tickets", orNotImplemented(deps.BalanceHandler))
		r.Get("/api/tickets/history", orNotImplemented(deps.HistoryHandler))
		r.Get("/api/generations", orNotImplemented(deps.GenerationsHandler))

		r.Post("/api/{product}", orNotImplemented(deps.StartJobHandler))
		r.Get("/api/{product}", orNotImplemented(deps.PollJobHandler))
		r.Delete("/api/{product}", orNotImplemented(deps.CancelJobHandler))
	})

	// Admin routes, authenticated by API key
	r.Group(func(r chi.Router) {
		r.Use(deps.AdminAuth.Authenticate)
		r.Use(deps.AdminAuth.RequireAdmin())
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/admin/grants", orNotImplemented(deps.GrantHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
