/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RequestLog: One slog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/payments/webhook   Signed provider callback (no bearer token)
  /api/courses/*          Course access, enrollment, progress     (JWT)
  /api/lessons/*          Lesson view check and completion        (JWT)
  /api/resources/*        Resource access                         (JWT)
  /api/purchases          Purchase intents                        (JWT)
  /api/me/*               Caller's enrollments and purchases      (JWT)
  /api/admin/*            Catalog import, reconciliation          (JWT, role=admin)

IDENTITY:
  The acting user is always the JWT subject. No route accepts a user id.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/access-engine/auth"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, verifier *auth.Verifier, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware(writeAuthError))

			r.Route("/courses/{id}", func(r chi.Router) {
				r.Get("/access", h.CourseAccess)
				r.Post("/enroll", h.EnrollCourse)
				r.Get("/progress", h.CourseProgress)
			})
			r.Route("/lessons/{id}", func(r chi.Router) {
				r.Get("/access", h.LessonAccess)
				r.Post("/complete", h.CompleteLesson)
			})
			r.Get("/resources/{id}/access", h.ResourceAccess)
			r.Post("/purchases", h.CreatePurchase)

			r.Route("/me", func(r chi.Router) {
				r.Get("/enrollments", h.MyEnrollments)
				r.Get("/purchases", h.MyPurchases)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin(writeAuthError))
				r.Post("/catalog", h.ImportCatalog)
				r.Post("/reconcile", h.Reconcile)
			})
		})
	})

	return r
}

// requestLog emits one structured line per request, correlated by request_id.
func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.InfoContext(r.Context(), "http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	writeError(w, status, msg, nil)
}
