package apikey

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/api"
	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
)

type Handler struct {
	Store *Store
	Log   *zap.Logger
}

type bootstrapRequest struct {
	Name string `json:"name"`
}

type bootstrapResponse struct {
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

type createKeyRequest struct {
	Name      string `json:"name"`
	AccountID string `json:"account_id"`
}

type createKeyResponse struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// POST /api/bootstrap — unauthenticated by design; the store forbids it once
// any active key exists.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	// An empty body is fine here; the store names the key "bootstrap".
	_ = json.NewDecoder(r.Body).Decode(&req)

	_, raw, err := h.Store.Bootstrap(r.Context(), req.Name)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, bootstrapResponse{
		APIKey:  raw,
		Message: "store this key now; it cannot be retrieved again",
	})
}

// POST /api/keys
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	var accountID *uuid.UUID
	if req.AccountID != "" {
		id, err := uuid.Parse(req.AccountID)
		if err != nil {
			api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid account_id"))
			return
		}
		accountID = &id
	}

	key, raw, err := h.Store.Issue(r.Context(), req.Name, accountID)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       raw,
		AccountID: key.AccountID,
		CreatedAt: key.CreatedAt,
	})
}

// GET /api/keys
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.List(r.Context())
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	api.WriteJSON(w, http.StatusOK, keys)
}
