package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gentrack/internal/http/handlers"
	"gentrack/internal/middleware"
)

// RouterOptions carries the cross-cutting settings of the HTTP surface.
type RouterOptions struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	RateLimitPerMin int
	// APIToken guards every route except the health check when set.
	APIToken string
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(opts.APIToken))

		r.Route("/v1/generations", func(r chi.Router) {
			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.CreateGeneration)
			r.Get("/current", app.CurrentGeneration)
			r.Delete("/current", app.ClearGeneration)
			r.Get("/current/bundle", app.DownloadGeneration)
		})

		r.Get("/v1/history/{threadID}", app.ThreadHistory)
		r.Get("/v1/sessions", app.ArchivedSessions)
		r.Get("/v1/assets/*", app.Asset)
		if app.Events != nil {
			r.Method(http.MethodGet, "/v1/events", app.Events)
		}
	})

	return r
}
