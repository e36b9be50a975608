package rest

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"mindmap-history/application/ports"
	"mindmap-history/interfaces/http/rest/handlers"
	"mindmap-history/interfaces/http/rest/middleware"
	"mindmap-history/pkg/auth"
	"mindmap-history/pkg/common"
	pkgerrors "mindmap-history/pkg/errors"
)

// Authenticator establishes the caller's identity for the API routes
type Authenticator func(http.Handler) http.Handler

// RouterOptions holds the collaborators mounted around the history routes
type RouterOptions struct {
	Authenticate  Authenticator
	AccessChecker ports.DocumentAccessChecker
	Limiter       auth.RateLimiter
	EnableCORS    bool
	// MetricsHandler is served on /metrics when set
	MetricsHandler http.Handler
	// Ready reports whether the dependencies can serve traffic
	Ready func(ctx context.Context) error
}

// Router creates and configures the HTTP router
type Router struct {
	history      *handlers.HistoryHandler
	errorHandler *pkgerrors.ErrorHandler
	opts         RouterOptions
	logger       *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	history *handlers.HistoryHandler,
	errorHandler *pkgerrors.ErrorHandler,
	opts RouterOptions,
	logger *zap.Logger,
) *Router {
	return &Router{
		history:      history,
		errorHandler: errorHandler,
		opts:         opts,
		logger:       logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(rt.errorHandler.Middleware)
	router.Use(middleware.Logger(rt.logger))
	router.Use(versionMiddleware)

	if rt.opts.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000", "https://*.mindmap.app"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		rt.errorHandler.HandleStatus(w, r, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		rt.errorHandler.HandleStatus(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.opts.MetricsHandler != nil {
		router.Handle("/metrics", rt.opts.MetricsHandler)
	}

	router.Route("/api/v2", func(r chi.Router) {
		if rt.opts.Authenticate != nil {
			r.Use(rt.opts.Authenticate)
		}
		if rt.opts.Limiter != nil {
			r.Use(middleware.RateLimit(rt.opts.Limiter, rt.errorHandler, rt.logger))
		}

		r.Route("/documents/{"+middleware.DocumentIDParam+"}/history", func(r chi.Router) {
			if rt.opts.AccessChecker != nil {
				r.Use(middleware.RequireDocumentAccess(rt.opts.AccessChecker, rt.errorHandler, rt.logger))
			}
			r.Get("/timeline", rt.history.Timeline)
			r.Get("/events/{eventID}", rt.history.GetDelta)
			r.Get("/state", rt.history.GetState)
			r.Get("/pointer", rt.history.GetPointer)
			r.Post("/checkpoints", rt.history.CreateCheckpoint)
			r.Post("/edits", rt.history.RecordEdit)
			r.Post("/deltas", rt.history.AppendDelta)
			r.Post("/undo", rt.history.Undo)
			r.Post("/redo", rt.history.Redo)
			r.Post("/cleanup", rt.history.Cleanup)
		})

		r.With(middleware.RequireRole(rt.errorHandler, auth.RoleAdmin)).
			Post("/history/cleanup", rt.history.Cleanup)
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	common.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	if rt.opts.Ready != nil {
		if err := rt.opts.Ready(req.Context()); err != nil {
			rt.logger.Warn("Readiness check failed", zap.Error(err))
			common.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	common.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// versionMiddleware adds API version headers to all responses
func versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", "v2")
		next.ServeHTTP(w, r)
	})
}
