// Package api exposes the engine over HTTP. It maps JSON requests to engine
// commands and queries and does no authentication of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/watmarket/market-engine/internal/engine"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/query"
	"github.com/watmarket/market-engine/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine  *engine.Engine
	queries *query.Service
}

// NewHandler creates a handler.
func NewHandler(eng *engine.Engine, queries *query.Service) *Handler {
	return &Handler{engine: eng, queries: queries}
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// UserResponse is returned from POST /users.
type UserResponse struct {
	UserID  string       `json:"user_id"`
	Balance money.Amount `json:"balance"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req trade.NewMarket
	if !decode(w, r, &req) {
		return
	}
	m, err := h.engine.Trades().CreateMarket(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.queries.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.queries.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetOdds handles GET /api/v1/markets/{marketID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	odds, err := h.queries.Odds(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, odds)
}

// GetHistory handles GET /api/v1/markets/{marketID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.queries.PriceHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if history == nil {
		history = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?outcome=yes&stake=20
// and, for sells, ?outcome=yes&kind=sell&shares=10.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := model.TradeKind(strings.ToLower(q.Get("kind")))
	if kind == "" {
		kind = model.KindBuy
	}
	param := "stake"
	if kind == model.KindSell {
		param = "shares"
	}
	if q.Get(param) == "" {
		writeError(w, param+" is required", model.KindValidation, http.StatusBadRequest)
		return
	}
	amount, err := money.Parse(q.Get(param))
	if err != nil {
		writeEngineError(w, model.Wrap(model.KindNumeric, err, "invalid "+param))
		return
	}

	quote, err := h.queries.Quote(r.Context(), chi.URLParam(r, "marketID"), model.Outcome(strings.ToLower(q.Get("outcome"))), kind, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	h.execute(w, r, model.ResolveMarket{MarketID: chi.URLParam(r, "marketID"), Outcome: req.Outcome})
}

// InvalidateMarket handles POST /api/v1/markets/{marketID}/invalidate
func (h *Handler) InvalidateMarket(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, model.InvalidateMarket{MarketID: chi.URLParam(r, "marketID")})
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req trade.NewUser
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.engine.Trades().CreateUser(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, UserResponse{UserID: req.UserID, Balance: balance})
}

// GetPositions handles GET /api/v1/users/{userID}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.queries.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.queries.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTrades handles GET /api/v1/users/{userID}/trades
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.queries.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Trades ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var cmd model.PlaceBet
	if !decode(w, r, &cmd) {
		return
	}
	h.execute(w, r, cmd)
}

// SellShares handles POST /api/v1/sells
func (h *Handler) SellShares(w http.ResponseWriter, r *http.Request) {
	var cmd model.SellShares
	if !decode(w, r, &cmd) {
		return
	}
	h.execute(w, r, cmd)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd model.Command) {
	res, err := h.engine.Execute(r.Context(), cmd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

// decode reads a JSON body into v. Non-finite or out-of-range amounts are
// reported as numeric errors, anything else unreadable as a bad request.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	if errors.Is(err, money.ErrNumeric) {
		writeEngineError(w, model.Wrap(model.KindNumeric, err, "invalid amount"))
		return false
	}
	writeError(w, "invalid request body", model.KindValidation, http.StatusBadRequest)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, kind model.Kind, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": string(kind)})
}

// writeEngineError maps an engine error to its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := StatusOf(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	if kind == model.KindBusy {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, message, kind, status)
}

// StatusOf returns the HTTP status for an error kind.
func StatusOf(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNumeric:
		return http.StatusUnprocessableEntity
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInsufficientFunds, model.KindInsufficientShares,
		model.KindSlippageExceeded, model.KindAlreadyResolved:
		return http.StatusConflict
	case model.KindBusy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
