/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the
 * API endpoints, associates them with their handlers, and applies the
 * standard middleware stack plus JWT authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes creates and returns the router for the ledger service.
func Routes(h *LedgerHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/accounts", h.OpenAccountHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{accountID}", h.GetAccountHandler)
		r.Put("/accounts/{accountID}/status", h.UpdateAccountStatusHandler)

		r.Post("/transactions", h.CreateTransactionHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		r.Post("/transactions/{transactionID}/reverse", h.ReverseTransactionHandler)
	})

	return r
}
