package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/watmarket/market-engine/internal/metrics"
)

// NewRouter builds the service's HTTP routes. ws may be nil, in which case
// /api/v1/ws is not served.
func NewRouter(h *Handler, ws http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if ws != nil {
			// WebSocket endpoint for live trades and settlements.
			r.Get("/ws", ws)
		}

		r.Get("/markets", h.ListMarkets)
		r.Post("/markets", h.CreateMarket)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Get("/markets/{marketID}/odds", h.GetOdds)
		r.Get("/markets/{marketID}/history", h.GetHistory)
		r.Get("/markets/{marketID}/quote", h.GetQuote)
		r.Post("/markets/{marketID}/resolve", h.ResolveMarket)
		r.Post("/markets/{marketID}/invalidate", h.InvalidateMarket)

		r.Post("/users", h.CreateUser)
		r.Get("/users/{userID}/positions", h.GetPositions)
		r.Get("/users/{userID}/portfolio", h.GetPortfolio)
		r.Get("/users/{userID}/trades", h.GetTrades)

		r.Post("/bets", h.PlaceBet)
		r.Post("/sells", h.SellShares)
	})
	return r
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
