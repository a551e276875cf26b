/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the proxy
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend
  6. Actor:      Caller identity from the authorization proxy

ROUTE GROUPS:
  /api/buyers/*        Earn, spend, balance, history
  /api/transactions/*  Reversal
  /api/companies/*     Pool funding and reporting
  /api/stores/*        Directory sync
  /api/admin/*         Adjustments, verify/thaw, expiration batch
  /health, /metrics    Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/points-ledger/logging"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(h.logger()))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware)

		// Buyer routes
		r.Route("/buyers/{id}", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/spend", h.Spend)
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
		})

		// Transaction routes
		r.Post("/transactions/{id}/reverse", h.ReverseTransaction)

		// Company routes
		r.Route("/companies/{id}", func(r chi.Router) {
			r.Get("/", h.GetCompany)
			r.Post("/credit", h.CreditCompany)
		})

		// Directory routes
		r.Put("/stores/{id}", h.PutStore)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/buyers/{id}/verify", h.VerifyBuyer)
			r.Post("/buyers/{id}/thaw", h.ThawBuyer)
			r.Post("/expirations", h.TriggerExpiration)
			r.Get("/expirations", h.ListExpirationRuns)
		})

		r.Get("/stats", h.GetStats)
	})

	return r
}
