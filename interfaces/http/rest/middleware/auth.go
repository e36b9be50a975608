package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"mindmap-history/pkg/auth"
	pkgerrors "mindmap-history/pkg/errors"
)

// DevUserHeader names the caller when authentication is disabled
const DevUserHeader = "X-User-ID"

// Authenticate verifies the bearer token and stores its claims in the
// request context
func Authenticate(verifier *auth.Verifier, errorHandler *pkgerrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				errorHandler.Handle(w, r, pkgerrors.NewUnauthorizedError("Missing authentication token"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("Invalid token",
					zap.Error(err),
					zap.String("path", r.URL.Path),
				)
				message := "Invalid token"
				switch {
				case err == auth.ErrExpiredToken:
					message = "Token has expired"
				case err == auth.ErrInvalidSignature:
					message = "Invalid token signature"
				}
				errorHandler.Handle(w, r, pkgerrors.NewUnauthorizedError(message))
				return
			}

			logger.Debug("Request authenticated",
				zap.String("user_id", claims.UserID),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			)
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// DevIdentity trusts the X-User-ID header. It is only mounted when
// authentication is disabled, together with checkers that allow everything.
func DevIdentity(errorHandler *pkgerrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(DevUserHeader))
			if userID == "" {
				errorHandler.Handle(w, r, pkgerrors.NewUnauthorizedError("Missing "+DevUserHeader+" header"))
				return
			}
			claims := &auth.Claims{UserID: userID, Roles: []string{auth.RoleAdmin}}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// extractToken reads the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// RequireRole creates middleware that requires one of roles
func RequireRole(errorHandler *pkgerrors.ErrorHandler, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				errorHandler.Handle(w, r, pkgerrors.NewUnauthorizedError("Unauthorized"))
				return
			}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			errorHandler.Handle(w, r, pkgerrors.NewForbiddenError("Insufficient permissions"))
		})
	}
}
