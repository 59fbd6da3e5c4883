// Package trade provides the HTTP handlers for opening paper accounts,
// executing buys and sells, and querying portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/action"
	"github.com/SavageCabbagee/paper/internal/ledger"
	"github.com/SavageCabbagee/paper/internal/model"
)

// Service exposes a ledger.Engine over HTTP. Serialization of trades is the
// engine's job; handlers only decode, validate and map errors.
type Service struct {
	engine *ledger.Engine
}

// NewService creates a new trade service.
func NewService(engine *ledger.Engine) *Service {
	return &Service{engine: engine}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	UserID  int64               `json:"user_id"`
	Balance decimal.NullDecimal `json:"balance"` // absent → configured initial balance
}

// ResetRequest is the JSON body for POST /accounts/{userID}/reset.
type ResetRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// BuyRequest is the JSON body for POST /accounts/{userID}/buy.
type BuyRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"` // base currency to spend
}

// SellRequest is the JSON body for POST /accounts/{userID}/sell.
type SellRequest struct {
	Token   string          `json:"token"`
	Percent decimal.Decimal `json:"percent"` // (0, 100]
}

// OpenResponse is returned from POST /accounts/{userID}/open.
type OpenResponse struct {
	Account *model.Account `json:"account"`
	Created bool           `json:"created"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	balance := s.engine.InitialBalance()
	if req.Balance.Valid {
		balance = req.Balance.Decimal
	}

	acct, err := s.engine.CreateAccount(r.Context(), req.UserID, balance)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// OpenAccount handles POST /api/v1/accounts/{userID}/open
// Returns the existing account or creates one with the initial balance.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	acct, created, err := s.engine.OpenOrCreateAccount(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpenResponse{Account: acct, Created: created})
}

// ResetAccount handles POST /api/v1/accounts/{userID}/reset
func (s *Service) ResetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.engine.ResetAccount(r.Context(), userID, req.Balance)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Buy handles POST /api/v1/accounts/{userID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, err := action.ParseToken(req.Token)
	if err != nil {
		writeError(w, "invalid token address", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExecuteBuy(r.Context(), userID, token, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/accounts/{userID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, err := action.ParseToken(req.Token)
	if err != nil {
		writeError(w, "invalid token address", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExecuteSell(r.Context(), userID, token, req.Percent)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/accounts/{userID}/portfolio
// Returns balance, valued holdings and unrealized P&L.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	summary, err := s.engine.Summarize(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if summary.Holdings == nil {
		summary.Holdings = []ledger.Holding{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetPosition handles GET /api/v1/accounts/{userID}/positions/{token}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	holding, err := s.engine.Valuate(r.Context(), userID, chi.URLParam(r, "token"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

// GetTrades handles GET /api/v1/accounts/{userID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	trades, err := s.engine.Trades(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetQuote handles GET /api/v1/tokens/{token}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	token, err := action.ParseToken(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, "invalid token address", http.StatusBadRequest)
		return
	}

	q, err := s.engine.Quote(r.Context(), token)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return userID, true
}

// writeLedgerError maps engine errors to HTTP statuses. Store failures are
// reported without their cause.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrAlreadyExists), errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrPriceUnavailable):
		writeError(w, ledger.ErrPriceUnavailable.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ledger.ErrExecutionFailed):
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error, please try again", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
