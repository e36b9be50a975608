package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"mindmap-history/pkg/auth"
	"mindmap-history/pkg/common"
	pkgerrors "mindmap-history/pkg/errors"
)

// RateLimit applies limiter per authenticated user, falling back to the
// remote address for anonymous requests
func RateLimit(limiter auth.RateLimiter, errorHandler *pkgerrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := common.GetUserID(r.Context())
			if !ok || key == "" {
				key = "ip:" + r.RemoteAddr
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Error("Rate limiter error", zap.Error(err))
				errorHandler.Handle(w, r, pkgerrors.NewInternalError("rate limiter unavailable"))
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				errorHandler.Handle(w, r, pkgerrors.ErrRateLimitExceeded.Clone())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
