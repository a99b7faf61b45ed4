package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/apperr"
)

type errorBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps an error kind to an HTTP status and a caller-safe body.
// Internal errors are logged with the request correlation id and never leak
// their message.
func WriteError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := StatusOf(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	WriteJSON(w, status, errorBody{Error: apperr.MessageOf(err)})
}

// WriteThrottled writes the 429 body with its retry hint.
func WriteThrottled(w http.ResponseWriter, retryAfterSeconds int) {
	WriteJSON(w, http.StatusTooManyRequests, errorBody{
		Error:             "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// StatusOf maps an error kind to its HTTP status code.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInsufficientFunds:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
