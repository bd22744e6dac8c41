// Package router wires handlers to routes. Auth endpoints and the health
// probe are public; everything else sits behind the JWT middleware.
package router

import (
	"net/http"

	"github.com/tryonlab/backend/internal/assets"
	"github.com/tryonlab/backend/internal/auth"
	"github.com/tryonlab/backend/internal/history"
	"github.com/tryonlab/backend/internal/ledger"
	"github.com/tryonlab/backend/internal/middleware"
	"github.com/tryonlab/backend/internal/models"
	"github.com/tryonlab/backend/internal/tryon"
)

type Handlers struct {
	Auth    *auth.Handler
	Assets  *assets.Handler
	Tryon   *tryon.Handler
	History *history.Handler
	Ledger  *ledger.Handler
	Health  http.HandlerFunc
}

// New builds the API mux. validator backs the JWT middleware.
func New(h Handlers, validator middleware.TokenValidator) http.Handler {
	authed := middleware.JWTAuth(validator)
	protected := func(fn http.HandlerFunc) http.Handler { return authed(fn) }

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("POST /api/auth/register", h.Auth.Register)
	mux.HandleFunc("POST /api/auth/login", h.Auth.Login)

	mux.Handle("POST /api/assets/subjects", protected(h.Assets.Upload(models.AssetKindSubject)))
	mux.Handle("GET /api/assets/subjects", protected(h.Assets.List(models.AssetKindSubject)))
	mux.Handle("POST /api/assets/garments", protected(h.Assets.Upload(models.AssetKindGarment)))
	mux.Handle("GET /api/assets/garments", protected(h.Assets.List(models.AssetKindGarment)))
	// Replace and delete resolve the kind from the row, so one route pair
	// serves both kinds.
	mux.Handle("PUT /api/assets/{id}", protected(h.Assets.Replace))
	mux.Handle("DELETE /api/assets/{id}", protected(h.Assets.Delete))

	mux.Handle("POST /api/tryon", protected(h.Tryon.Start))
	mux.Handle("GET /api/tryon/sessions/{id}", protected(h.Tryon.GetStatus))

	mux.Handle("GET /api/history", protected(h.History.List))
	mux.Handle("GET /api/history/{id}", protected(h.History.Get))
	mux.Handle("DELETE /api/history/{id}", protected(h.History.Delete))
	mux.Handle("POST /api/history/{id}/retry", protected(h.Tryon.Retry))

	mux.Handle("GET /api/credits/balance", protected(h.Ledger.GetBalance))
	mux.Handle("GET /api/credits/transactions", protected(h.Ledger.ListTransactions))

	return mux
}
