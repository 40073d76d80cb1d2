package httpapi

import (
	"net/http"

	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/cart"
	"cartsync-agent/internal/config"
	"cartsync-agent/internal/http/handlers"
	"cartsync-agent/internal/middleware"
	"cartsync-agent/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func NewRouter(manager *cart.Manager, creds *auth.Store, logger *zap.Logger, cfg config.Config, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Telemetry(logger))

	if cfg.Env == "development" || len(cfg.CorsAllowedOrigins) > 0 {
		options := cors.Options{
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				"X-Requested-With",
				"Cache-Control",
			},
			AllowCredentials: true,
			MaxAge:           300,
		}

		if cfg.Env == "development" {
			options.AllowOriginFunc = func(_ *http.Request, origin string) bool {
				return true
			}
		} else {
			options.AllowedOrigins = cfg.CorsAllowedOrigins
		}

		r.Use(cors.Handler(options))
	}

	h := &handlers.Handler{Manager: manager, Creds: creds, Logger: logger, Config: cfg, WS: wsServer}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/cart", func(r chi.Router) {
		r.Use(middleware.SessionAuth(creds))

		r.Get("/", h.CartGet)
		r.Post("/items", h.CartAddItem)
		r.Patch("/items/{lineID}/increment", h.CartIncrement)
		r.Patch("/items/{lineID}/decrement", h.CartDecrement)
		r.Delete("/items/{lineID}", h.CartRemoveItem)
		r.Post("/refresh", h.CartRefresh)
		r.Post("/conflict/resolve", h.CartResolveConflict)
		r.Get("/queue", h.QueueStatus)
		r.Delete("/session", h.SessionLogout)
	})

	r.Get("/ws/cart", h.CartStream)

	return r
}
