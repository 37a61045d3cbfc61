package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	JobProgressHandler http.HandlerFunc
	JobActionHandler   http.HandlerFunc

	CreditsHandler      http.HandlerFunc
	GrantCreditsHandler http.HandlerFunc

	SaveGalleryHandler http.HandlerFunc
	ListGalleryHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(metrics.Middleware)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{id}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{id}/progress", orNotImplemented(deps.JobProgressHandler))
		r.Post("/api/v1/jobs/{id}", orNotImplemented(deps.JobActionHandler))

		r.Get("/api/v1/credits", orNotImplemented(deps.CreditsHandler))

		r.Post("/api/v1/gallery", orNotImplemented(deps.SaveGalleryHandler))
		r.Get("/api/v1/gallery", orNotImplemented(deps.ListGalleryHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/credits", orNotImplemented(deps.GrantCreditsHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
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
