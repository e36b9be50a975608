package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/pkg/common"
	pkgerrors "mindmap-history/pkg/errors"
)

// DocumentIDParam is the route parameter carrying the document id
const DocumentIDParam = "documentID"

// RequireDocumentAccess rejects callers the checker does not admit to the
// document named in the route
func RequireDocumentAccess(checker ports.DocumentAccessChecker, errorHandler *pkgerrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, DocumentIDParam)
			if documentID == "" {
				errorHandler.Handle(w, r, pkgerrors.NewValidationError("document id is required"))
				return
			}

			allowed, err := checker.CanAccess(r.Context(), documentID)
			if err != nil {
				errorHandler.Handle(w, r, err)
				return
			}
			if !allowed {
				userID, _ := common.GetUserID(r.Context())
				logger.Info("Document access denied",
					zap.String("document_id", documentID),
					zap.String("user_id", userID),
				)
				errorHandler.Handle(w, r, pkgerrors.ErrDocumentAccessDenied.Clone().WithDetail("documentId", documentID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
