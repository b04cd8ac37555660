// Package api implements the HTTP façade in front of the transfer
// engine: POST /transfers to execute a double-entry transfer, and
// GET /accounts/{id}/balance for a non-locking balance read.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ledger/internal/common/logging"
	"ledger/internal/ledger/domain"
	"ledger/internal/ledger/engine"
)

// Handler implements the HTTP handlers for the ledger API.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a new Handler.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

// RegisterRoutes registers the ledger API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /transfers", h.CreateTransfer)
	mux.HandleFunc("GET /accounts/{id}/balance", h.GetBalance)
}

// CreateTransferRequest is the JSON request body for POST /transfers.
type CreateTransferRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Description    string `json:"description"`
}

// CreateTransferResponse is the JSON response body for POST /transfers.
type CreateTransferResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	BookedAt      string `json:"booked_at"`
}

// CreateTransfer handles POST /transfers. The Idempotency-Key header
// takes precedence over a body field of the same purpose, matching how
// most idempotent write APIs in this family resolve the two.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		h.writeError(w, http.StatusBadRequest, "from_account_id and to_account_id are required")
		return
	}

	result, err := h.engine.CreateTransfer(ctx, engine.CreateTransferRequest{
		DeduplicationToken:   req.IdempotencyKey,
		SourceAccountID:      domain.AccountID(req.FromAccountID),
		DestinationAccountID: domain.AccountID(req.ToAccountID),
		Amount:               req.Amount,
		Currency:             req.Currency,
		Description:          req.Description,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, CreateTransferResponse{
		TransactionID: result.TransactionID.String(),
		Status:        string(result.Status),
		BookedAt:      result.BookedAt.Format(time.RFC3339Nano),
	})
}

// BalanceResponse is the JSON response body for GET /accounts/{id}/balance.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	Version   int64  `json:"version"`
}

// GetBalance handles GET /accounts/{id}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := domain.AccountID(r.PathValue("id"))
	if id.IsEmpty() {
		h.writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	result, err := h.engine.GetBalance(ctx, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID: result.AccountID.String(),
		Balance:   result.Balance.Amount.StringFixed(4),
		Currency:  result.Currency,
		Version:   result.Version,
	})
}

// handleDomainError maps domain error kinds to HTTP responses. Internal
// error details are logged but never exposed to clients.
func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, "transfer already processed")
	case errors.Is(err, domain.ErrStaleVersion):
		h.writeError(w, http.StatusConflict, "concurrent modification detected, please retry")
	case errors.Is(err, domain.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, domain.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "request deadline exceeded")
	default:
		logging.Error("unhandled transfer error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}
