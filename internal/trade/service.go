package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/account"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/portfolio"
	"github.com/phitrading/exchange-engine/internal/store"
	"github.com/phitrading/exchange-engine/internal/symbol"
)

// InstrumentLister is implemented by oracles that can enumerate the
// instruments they price.
type InstrumentLister interface {
	Instruments(ctx context.Context) ([]model.Quote, error)
}

// Service exposes the brokerage over HTTP. Every route takes the account
// ID explicitly; there is no ambient current user.
type Service struct {
	engine      *Engine
	accounts    *account.Service
	valuator    *portfolio.Valuator
	stats       *portfolio.StatsService
	store       store.Store
	instruments InstrumentLister // optional
	hub         *WSHub           // optional
	logger      *slog.Logger
}

// ServiceDeps groups the collaborators of a Service.
type ServiceDeps struct {
	Engine      *Engine
	Accounts    *account.Service
	Valuator    *portfolio.Valuator
	Stats       *portfolio.StatsService
	Store       store.Store
	Instruments InstrumentLister
	Hub         *WSHub
	Logger      *slog.Logger
}

// NewService creates the HTTP service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:      deps.Engine,
		accounts:    deps.Accounts,
		valuator:    deps.Valuator,
		stats:       deps.Stats,
		store:       deps.Store,
		instruments: deps.Instruments,
		hub:         deps.Hub,
		logger:      logger,
	}
}

// Routes registers the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", s.Register)
		r.Get("/accounts/{accountID}", s.GetAccount)
		r.Post("/accounts/{accountID}/orders", s.PlaceOrder)
		r.Get("/accounts/{accountID}/orders", s.ListOrders)
		r.Get("/accounts/{accountID}/portfolio", s.GetPortfolio)
		r.Get("/accounts/{accountID}/stats", s.GetStats)
		r.Get("/symbols/{symbol}/usage", s.GetSymbolUsage)
		if s.instruments != nil {
			r.Get("/instruments", s.ListInstruments)
		}
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /api/v1/accounts.
type RegisterRequest struct {
	Username string `json:"username"`
}

// OrderRequest is the JSON body for POST /api/v1/accounts/{accountID}/orders.
type OrderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"` // "BUY" or "SELL"
	Quantity int64  `json:"quantity"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Kind      string           `json:"kind,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/accounts
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.accounts.Register(r.Context(), req.Username)
	switch {
	case errors.Is(err, account.ErrInvalidUsername):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrUsernameTaken):
		writeError(w, "username already taken", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("register failed", "err", err)
		writeError(w, "failed to register account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PlaceOrder handles POST /api/v1/accounts/{accountID}/orders
// Executes a market order at the current oracle price.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.engine.Execute(r.Context(), Request{
		AccountID: chi.URLParam(r, "accountID"),
		Symbol:    req.Symbol,
		Side:      model.Side(req.Side),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders
// Returns the order history newest first. ?recent=N limits the answer to
// the N most recent executed orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAccount(w, r)
	if !ok {
		return
	}

	var orders []model.Order
	var err error
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			writeError(w, "recent must be a positive integer", http.StatusBadRequest)
			return
		}
		orders, err = s.valuator.RecentOrders(r.Context(), a.ID, n)
	} else {
		orders, err = s.store.ListOrders(r.Context(), a.ID)
	}
	if err != nil {
		s.logger.Error("list orders failed", "account", a.ID, "err", err)
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
// Values every position at the current price; positions without a price
// are reported at zero and flagged.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.valuator.Valuate(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrAccountNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("valuation failed", "err", err)
		writeError(w, "failed to value portfolio", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// GetStats handles GET /api/v1/accounts/{accountID}/stats
// Served from the stats cache; ?refresh=true recomputes first.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	var err error
	if r.URL.Query().Get("refresh") == "true" {
		err = s.stats.Refresh(ctx, accountID)
	}
	var stats model.DashboardStats
	if err == nil {
		stats, err = s.stats.Get(ctx, accountID)
	}
	if errors.Is(err, store.ErrAccountNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("stats failed", "account", accountID, "err", err)
		writeError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GetSymbolUsage handles GET /api/v1/symbols/{symbol}/usage
// Reports holders and order counts before an operator retires a symbol.
func (s *Service) GetSymbolUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := symbol.Usage(r.Context(), s.store, chi.URLParam(r, "symbol"))
	if errors.Is(err, symbol.ErrInvalidSymbol) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("symbol usage failed", "err", err)
		writeError(w, "failed to load symbol usage", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*model.SymbolUsage
		InUse bool `json:"in_use"`
	}{usage, usage.InUse()})
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.instruments.Instruments(r.Context())
	if err != nil {
		s.logger.Warn("instrument listing failed", "err", err)
		writeError(w, "pricing service unavailable", http.StatusServiceUnavailable)
		return
	}
	if quotes == nil {
		quotes = []model.Quote{}
	}

	writeJSON(w, http.StatusOK, quotes)
}

func (s *Service) loadAccount(w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	a, err := s.accounts.Get(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrAccountNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("load account failed", "err", err)
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return nil, false
	}
	return a, true
}

// writeTradeError maps an Execute failure to its status code.
func writeTradeError(w http.ResponseWriter, err error) {
	var te *Error
	if !errors.As(err, &te) {
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := ErrorResponse{
		Error:     te.Error(),
		Kind:      te.Kind.String(),
		Retryable: te.Retryable(),
	}
	if te.Kind == KindPersistence {
		resp.Error = "failed to record trade"
	}
	if te.Kind == KindInsufficientFunds || te.Kind == KindInsufficientShares {
		resp.Required = &te.Required
		resp.Available = &te.Available
	}
	if te.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, te.Kind.HTTPStatus(), resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
