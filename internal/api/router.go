package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/launchpad/internal/api/middleware"
	"github.com/kiranshivaraju/launchpad/internal/api/response"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit   *mw.RateLimit
	CORSOrigins []string

	HealthHandler  http.HandlerFunc
	SubmitHandler  http.HandlerFunc
	ListHandler    http.HandlerFunc
	GetHandler     http.HandlerFunc
	StatusHandler  http.HandlerFunc
	UpdateHandler  http.HandlerFunc
	DeleteHandler  http.HandlerFunc
	LiveHandler    http.Handler
	MetricsHandler http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.ClientIP)

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	// Origin checks for the live channel happen in the upgrader.
	if deps.LiveHandler != nil {
		r.Method(http.MethodGet, "/ws", deps.LiveHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.CORS(deps.CORSOrigins))

		r.Get("/health", orNotImplemented(deps.HealthHandler))

		r.Get("/projects", orNotImplemented(deps.ListHandler))
		r.Get("/projects/{id}", orNotImplemented(deps.GetHandler))
		r.Get("/projects/{id}/status", orNotImplemented(deps.StatusHandler))
		r.Put("/projects/{id}", orNotImplemented(deps.UpdateHandler))
		r.Delete("/projects/{id}", orNotImplemented(deps.DeleteHandler))

		// Each submission launches a container, so only this route is rate limited.
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/projects", orNotImplemented(deps.SubmitHandler))
		})
	})

	return otelhttp.NewHandler(r, "launchpad.http",
		otelhttp.WithFilter(func(req *http.Request) bool { return req.URL.Path != "/metrics" }),
	)
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
