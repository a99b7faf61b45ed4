package webhook

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
	Registry *Registry
	Log      *zap.Logger
}

type registerRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// registerResponse is the only place the secret ever appears.
type registerResponse struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// POST /api/webhooks
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	ep, err := h.Registry.Register(r.Context(), req.URL, req.Events)
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, registerResponse{
		ID:        ep.ID,
		URL:       ep.URL,
		Secret:    ep.Secret,
		Events:    ep.Events,
		CreatedAt: ep.CreatedAt,
	})
}

// GET /api/webhooks
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.Registry.List(r.Context())
	if err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	if endpoints == nil {
		endpoints = []*model.WebhookEndpoint{}
	}
	api.WriteJSON(w, http.StatusOK, endpoints)
}

// DELETE /api/webhooks/{id}
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		api.WriteError(w, r, h.Log, apperr.New(apperr.KindValidation, "invalid endpoint id"))
		return
	}
	if err := h.Registry.Deactivate(r.Context(), id); err != nil {
		api.WriteError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
