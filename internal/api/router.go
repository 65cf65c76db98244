/**
 * @description
 * HTTP router for the gas-sponsor-service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling for browser wallets.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the router and registers the credit and sponsor routes.
func NewRouter(h *Handlers, jwtSecret string, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignerSessionHeader},
		ExposedHeaders:   []string{"Retry-After"},
		// Bearer tokens only; no cookies.
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/credits/payments", h.EarnCreditHandler)
		r.Get("/credits/balance", h.GetBalanceHandler)
		r.Get("/credits/payments", h.ListPaymentsHandler)

		r.Post("/sponsor", h.SponsorHandler)
		r.Get("/sponsor/transactions", h.ListSponsoredHandler)
	})

	return r
}
