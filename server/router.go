package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the auth API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	local := a.Flow.Mode() == ModeLocal

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, local))
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))
	r.Use(SecurityHeadersMiddleware(!local))

	r.Get("/api/health", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(a.Limiter.Middleware)
		a.Flow.MountLogin(r)
	})
	r.Get("/api/logout", a.Flow.Logout)

	r.With(a.Guard.Protect).Get("/api/auth/user", a.handleAuthUser)

	return r
}
