package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"carbonledger/internal/platform/metrics"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// CallerValidator turns a bearer token into the caller it authenticates.
type CallerValidator interface {
	ValidateCaller(tokenString string) (*CallerClaims, error)
}

// CallerClaims are the claims the ledger cares about.
type CallerClaims struct {
	Caller  id.Address
	TokenID string
}

// RequireCaller authenticates the bearer token and stores the caller identity
// in the request context. Missing or invalid tokens get a 401.
func RequireCaller(validator CallerValidator, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				reject(w, m, dErrors.New(dErrors.CodeUnauthenticated, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateCaller(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				reject(w, m, dErrors.New(dErrors.CodeUnauthenticated, "invalid or expired token"))
				return
			}

			ctx = requestcontext.WithCaller(ctx, claims.Caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, m *metrics.Metrics, err error) {
	if m != nil {
		m.IncrementUnauthenticated()
	}
	httputil.WriteError(w, err)
}
