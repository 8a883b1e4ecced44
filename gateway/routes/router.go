package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"lendnet/gateway/middleware"
	nativecommon "lendnet/native/common"
	"lendnet/native/lending"
)

// Options bundles the collaborators the router needs.
type Options struct {
	Engine    *lending.Engine
	Pauses    *nativecommon.Switches
	Logger    *slog.Logger
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimit
}

// NewRouter assembles the gateway HTTP surface: public market/position
// queries, user operations, and admin endpoints gated to the admin scope.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lr := &lendingRoutes{engine: opts.Engine, pauses: opts.Pauses, logger: logger}
	auth := middleware.NewAuthenticator(opts.Auth, logger)
	limiter := middleware.NewRateLimiter(opts.RateLimit, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(limiter.Middleware())
	r.Use(chimiddleware.Timeout(15 * time.Second))

	r.Route("/v1/lending", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware())
			lr.mount(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware("admin"))
			lr.mountAdmin(r)
		})
	})
	return r
}
