package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/api"
	"github.com/prk-Jr/transaction-service/internal/apikey"
	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/ratelimit"
)

// Principal is the authenticated identity behind a request: an API key,
// optionally scoped to one account.
type Principal struct {
	APIKeyID  uuid.UUID
	AccountID *uuid.UUID
}

type contextKey string

const principalKey contextKey = "principal"

// FromContext returns the request principal set by Middleware.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("missing principal")
	}
	return p, nil
}

// Middleware authenticates the bearer credential and then consults the rate
// limiter keyed by the key id. Health and bootstrap routes are mounted
// outside of it.
type Middleware struct {
	Keys    *apikey.Store
	Limiter *ratelimit.Limiter
	Log     *zap.Logger
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			api.WriteError(w, r, m.Log, apperr.New(apperr.KindUnauthenticated, "missing or malformed authorization header"))
			return
		}

		key, err := m.Keys.Verify(r.Context(), raw)
		if err != nil {
			api.WriteError(w, r, m.Log, err)
			return
		}

		if allowed, retryAfter := m.Limiter.Allow(key.ID.String()); !allowed {
			api.WriteThrottled(w, retryAfter)
			return
		}

		principal := Principal{APIKeyID: key.ID, AccountID: key.AccountID}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", false
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
