package ledger

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/api"
	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
)

type Handler struct {
	Service *Service
	Log     *zap.Logger
}

type createAccountRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type mutationRequest struct {
	AccountID      string `json:"account_id"`
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference"`
}

// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	account, err := h.Service.CreateAccount(r.Context(), req.Name, req.Currency)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, account)
}

// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.ListAccounts(r.Context())
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, accounts)
}

// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	account, err := h.Service.GetAccount(r.Context(), id)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, account)
}

// GET /api/accounts/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	txns, err := h.Service.ListTransactions(r.Context(), id, limit, offset)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	if txns == nil {
		txns = []*model.Transaction{}
	}
	api.WriteJSON(w, http.StatusOK, txns)
}

// POST /api/transactions/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMutation(w, r)
	if !ok {
		return
	}
	accountID, err := parseUUID(req.AccountID, "account_id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}

	txn, err := h.Service.Deposit(r.Context(), DepositCommand{
		AccountID:      accountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.Reference,
	})
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, txn)
}

// POST /api/transactions/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMutation(w, r)
	if !ok {
		return
	}
	accountID, err := parseUUID(req.AccountID, "account_id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}

	txn, err := h.Service.Withdraw(r.Context(), WithdrawCommand{
		AccountID:      accountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.Reference,
	})
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, txn)
}

// POST /api/transactions/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMutation(w, r)
	if !ok {
		return
	}
	fromID, err := parseUUID(req.FromAccountID, "from_account_id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	toID, err := parseUUID(req.ToAccountID, "to_account_id")
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}

	txn, err := h.Service.Transfer(r.Context(), TransferCommand{
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.Reference,
	})
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, txn)
}

func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request) (mutationRequest, bool) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid request body"))
		return req, false
	}
	return req, true
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return parseUUID(r.PathValue(name), name)
}

func parseUUID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
