/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API
 * endpoints. Handlers parse incoming requests, call the ledger engine, and
 * shape the response; every rejection is rendered as a stable reason code
 * plus message, with internal detail kept out of the wire format.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain: Engine and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/app"
	"github.com/corebank/ledger-service/internal/domain"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates the handler set around the ledger engine.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError maps a typed ledger error onto an HTTP status and renders the
// stable reason code alongside the message.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, err error) {
	var typed *domain.Error
	if !errors.As(err, &typed) {
		log.Printf("level=error component=api msg=\"unclassified error\" err=%v", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
			"error": {Code: string(domain.CodeStoreFailure), Message: "internal error"},
		})
		return
	}

	status := http.StatusInternalServerError
	switch typed.Code {
	case domain.CodeValidation:
		status = http.StatusBadRequest
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case domain.CodeForbidden:
		status = http.StatusForbidden
	case domain.CodeInsufficientFunds, domain.CodeLimitExceeded, domain.CodeAccountNotActive,
		domain.CodeCurrencyMismatch, domain.CodeSelfTransfer:
		status = http.StatusUnprocessableEntity
	case domain.CodeRateLimited:
		status = http.StatusTooManyRequests
	case domain.CodeStoreFailure:
		log.Printf("level=error component=api msg=\"store failure\" err=%v", err)
		h.writeJSON(w, status, map[string]errorBody{
			"error": {Code: string(domain.CodeStoreFailure), Message: "internal error"},
		})
		return
	}
	h.writeJSON(w, status, map[string]errorBody{
		"error": {Code: string(typed.Code), Message: typed.Message},
	})
}

func (h *LedgerHandlers) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, domain.NewError(domain.CodeUnauthenticated, "caller identity missing"))
	}
	return userID, ok
}

// OpenAccountHandler handles POST /accounts.
func (h *LedgerHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "invalid request body"))
		return
	}

	account, err := h.service.OpenAccount(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// ListAccountsHandler handles GET /accounts.
func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler handles GET /accounts/{accountID}.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "malformed account id"))
		return
	}
	account, err := h.service.GetAccount(r.Context(), userID, accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// UpdateAccountStatusHandler handles PUT /accounts/{accountID}/status.
func (h *LedgerHandlers) UpdateAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "malformed account id"))
		return
	}
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "invalid request body"))
		return
	}
	account, err := h.service.SetAccountStatus(r.Context(), userID, accountID, domain.AccountStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// CreateTransactionHandler handles POST /transactions.
func (h *LedgerHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "invalid request body"))
		return
	}

	result, err := h.service.CreateTransaction(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// ListTransactionsHandler handles GET /transactions with optional
// account_id, type, start_date, end_date, min_amount, max_amount, limit
// and cursor query parameters.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	filter, page, err := parseListQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	txs, cursor, err := h.service.ListTransactions(r.Context(), userID, filter, page)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := listResponse{Transactions: txs}
	if resp.Transactions == nil {
		resp.Transactions = []domain.Transaction{}
	}
	if cursor != nil {
		resp.NextCursor = cursor.Encode()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetTransactionHandler handles GET /transactions/{transactionID}.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "malformed transaction id"))
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ReverseTransactionHandler handles POST /transactions/{transactionID}/reverse.
func (h *LedgerHandlers) ReverseTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, domain.NewError(domain.CodeValidation, "malformed transaction id"))
		return
	}
	result, err := h.service.ReverseTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func parseListQuery(r *http.Request) (domain.TransactionFilter, domain.Page, error) {
	var filter domain.TransactionFilter
	var page domain.Page
	q := r.URL.Query()

	if raw := q.Get("account_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed account_id")
		}
		filter.AccountID = &id
	}
	if raw := q.Get("type"); raw != "" {
		t, ok := domain.ParseTransactionType(strings.ToLower(raw))
		if !ok {
			return filter, page, domain.NewError(domain.CodeValidation, "unknown transaction type filter")
		}
		filter.Type = &t
	}
	if raw := q.Get("start_date"); raw != "" {
		ts, err := parseDate(raw, false)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed start_date")
		}
		filter.From = &ts
	}
	if raw := q.Get("end_date"); raw != "" {
		ts, err := parseDate(raw, true)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed end_date")
		}
		filter.To = &ts
	}
	if raw := q.Get("min_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed min_amount")
		}
		filter.MinAmount = &d
	}
	if raw := q.Get("max_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed max_amount")
		}
		filter.MaxAmount = &d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return filter, page, domain.NewError(domain.CodeValidation, "limit must be between 1 and 100")
		}
		page.Limit = n
	}
	if raw := q.Get("cursor"); raw != "" {
		cursor, err := domain.DecodeCursor(raw)
		if err != nil {
			return filter, page, domain.NewError(domain.CodeValidation, "malformed cursor")
		}
		page.Cursor = cursor
	}
	return filter, page, nil
}

// parseDate accepts either a date (2024-01-31) or a full RFC 3339
// timestamp. Bare end dates are pushed to the end of that day so a range
// like start_date=X&end_date=X covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		ts = ts.Add(24*time.Hour - time.Nanosecond)
	}
	return ts.UTC(), nil
}
