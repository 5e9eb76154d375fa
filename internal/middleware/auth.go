package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/care-relay/backend/internal/metrics"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	identityservice "github.com/zhouzirui/care-relay/backend/internal/service/identity"
	"github.com/zhouzirui/care-relay/backend/pkg/utils"
)

type contextKey string

const identityContextKey contextKey = "identity"

// RequireIdentity resolves the caller from its role cookie and stores it in the request context.
func RequireIdentity(auth *identityservice.Authenticator, logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, err := auth.Authenticate(r)
			if err != nil {
				reason := identityservice.FailureReason(err)
				metrics.SessionRejections.WithLabelValues(reason).Inc()
				if identityservice.IsAuthFailure(err) {
					utils.RespondError(w, http.StatusForbidden, "unauthenticated")
					return
				}
				logger.Error().Err(err).Msg("identity resolution failed")
				utils.RespondError(w, http.StatusServiceUnavailable, "identity service unavailable")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}

// IdentityFrom returns the identity stored by RequireIdentity.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	who, ok := ctx.Value(identityContextKey).(identity.Identity)
	return who, ok
}

// WithIdentity returns a copy of ctx carrying who.
func WithIdentity(ctx context.Context, who identity.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, who)
}
