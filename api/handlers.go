/*
handlers.go - HTTP API handlers for the access engine

PURPOSE:
  Exposes the access façade, purchases, enrollments and catalog import via
  REST. Handles HTTP request/response and JSON, and delegates to the engine.

ENDPOINTS:
  Access (JWT):
    GET    /api/courses/{id}/access     checkAccess(course), auto-enrolls
    POST   /api/courses/{id}/enroll     enroll
    GET    /api/courses/{id}/progress   getProgress
    GET    /api/lessons/{id}/access     lesson view check
    POST   /api/lessons/{id}/complete   markComplete
    GET    /api/resources/{id}/access   checkAccess(resource)

  Purchases (JWT):
    POST   /api/purchases               record a purchase intent
    GET    /api/me/purchases            caller's purchases
    GET    /api/me/enrollments          caller's enrollments

  Provider:
    POST   /api/payments/webhook        X-Signature: sha256=<hex hmac>

  Admin (JWT, role=admin):
    POST   /api/admin/catalog           import catalog document (YAML or JSON)
    POST   /api/admin/reconcile         run enrollment reconciliation now

ERROR HANDLING:
  Access denials answer with a DecisionDTO body {can_view:false, reason}:
  - 402: payment_required
  - 403: not_enrolled, lesson_locked
  Everything else answers with ErrorResponse:
  - 400: malformed body, validation errors
  - 401: missing/invalid token or webhook signature
  - 404: unknown course, lesson, resource or transaction
  - 409: transaction id conflict, impossible status transition
  - 422: item not purchasable, invalid catalog
  - 503: store unavailable after retry (retryable: true)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/access-engine/access"
	"github.com/warp/access-engine/auth"
	"github.com/warp/access-engine/catalog"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/payments"
	"github.com/warp/access-engine/purchase"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators a Handler needs.
type Deps struct {
	Access      *access.Controller
	Enrollments *enrollment.Service
	Purchases   *purchase.Gate
	Catalog     catalog.Saver
	Signer      *payments.Signer
	Reconciler  *EnrollmentReconciler
	Logger      *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Access      *access.Controller
	Enrollments *enrollment.Service
	Purchases   *purchase.Gate
	Catalog     catalog.Saver
	Signer      *payments.Signer
	Reconciler  *EnrollmentReconciler
	Logger      *slog.Logger

	factory  *catalog.Factory
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconciler := d.Reconciler
	if reconciler == nil {
		reconciler = NewEnrollmentReconciler(d.Enrollments, "")
		reconciler.Logger = logger
	}
	return &Handler{
		Access:      d.Access,
		Enrollments: d.Enrollments,
		Purchases:   d.Purchases,
		Catalog:     d.Catalog,
		Signer:      d.Signer,
		Reconciler:  reconciler,
		Logger:      logger,
		factory:     catalog.NewFactory(),
		validate:    validator.New(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCESS HANDLERS
// =============================================================================

// CourseAccess answers checkAccess for a course.
// GET /api/courses/{id}/access
func (h *Handler) CourseAccess(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	item := ledger.CourseRef(ledger.CourseID(chi.URLParam(r, "id")))
	h.respondDecision(w, r)(h.Access.CheckAccess(r.Context(), p.UserID, item))
}

// EnrollCourse enrolls the caller. Free courses always succeed; paid ones
// need a completed purchase.
// POST /api/courses/{id}/enroll
func (h *Handler) EnrollCourse(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	h.respondDecision(w, r)(h.Access.Enroll(r.Context(), p.UserID, ledger.CourseID(chi.URLParam(r, "id"))))
}

// CourseProgress returns the caller's derived progress.
// GET /api/courses/{id}/progress
func (h *Handler) CourseProgress(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	h.respondDecision(w, r)(h.Access.GetProgress(r.Context(), p.UserID, ledger.CourseID(chi.URLParam(r, "id"))))
}

// LessonAccess decides whether the caller may open a lesson.
// GET /api/lessons/{id}/access
func (h *Handler) LessonAccess(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	h.respondDecision(w, r)(h.Access.ViewLesson(r.Context(), p.UserID, ledger.LessonID(chi.URLParam(r, "id"))))
}

// CompleteLesson records a completion.
// POST /api/lessons/{id}/complete
func (h *Handler) CompleteLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	h.respondDecision(w, r)(h.Access.MarkComplete(r.Context(), p.UserID, ledger.LessonID(chi.URLParam(r, "id"))))
}

// ResourceAccess answers checkAccess for a resource.
// GET /api/resources/{id}/access
func (h *Handler) ResourceAccess(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	item := ledger.ResourceRef(ledger.ResourceID(chi.URLParam(r, "id")))
	h.respondDecision(w, r)(h.Access.CheckAccess(r.Context(), p.UserID, item))
}

// respondDecision returns a writer for a façade result, so handlers can pass
// the (Decision, error) pair straight through.
func (h *Handler) respondDecision(w http.ResponseWriter, r *http.Request) func(access.Decision, error) {
	return func(d access.Decision, err error) {
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, decisionStatus(d), toDecisionDTO(d))
	}
}

func decisionStatus(d access.Decision) int {
	switch {
	case d.CanView:
		return http.StatusOK
	case d.Reason == access.ReasonPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusForbidden
	}
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// CreatePurchase records a PENDING purchase at the catalog price.
// POST /api/purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req CreatePurchaseRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	item := req.item()
	paid, price, err := h.Purchases.Price(r.Context(), item)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !paid {
		writeError(w, http.StatusUnprocessableEntity, "Item is free", ledger.ErrNotPurchasable)
		return
	}

	created, err := h.Purchases.RecordPurchaseIntent(r.Context(), purchase.Intent{
		UserID:    p.UserID,
		Item:      item,
		AmountUSD: price,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(created))
}

// MyPurchases lists the caller's purchases.
// GET /api/me/purchases
func (h *Handler) MyPurchases(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ps, err := h.Purchases.Purchases(r.Context(), p.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTOs(ps))
}

// MyEnrollments lists the caller's enrollments.
// GET /api/me/enrollments
func (h *Handler) MyEnrollments(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	es, err := h.Enrollments.Enrollments(r.Context(), p.UserID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTOs(es))
}

// PaymentWebhook applies a signed provider outcome.
// POST /api/payments/webhook
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Signer.Verify(body, r.Header.Get(payments.SignatureHeader)); err != nil {
		h.Logger.WarnContext(r.Context(), "payment webhook rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	var ev payments.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := payments.Apply(r.Context(), h.Purchases, ev)
	if errors.Is(err, payments.ErrBadEvent) {
		writeError(w, http.StatusBadRequest, "Invalid payment event", err)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ImportCatalog parses a catalog document and saves it.
// POST /api/admin/catalog
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cat, err := h.factory.Parse(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid catalog", err)
		return
	}
	if err := catalog.Load(r.Context(), h.Catalog, cat); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.Logger.InfoContext(r.Context(), "catalog imported",
		"courses", len(cat.Courses), "resources", len(cat.Resources), "by", principal(r).UserID)
	writeJSON(w, http.StatusOK, CatalogImportResponse{Courses: len(cat.Courses), Resources: len(cat.Resources)})
}

// Reconcile runs one enrollment reconciliation pass.
// POST /api/admin/reconcile?limit=N
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := h.Reconciler.BatchSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}
	run, err := h.Reconciler.RunBatch(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(run.Result, run.StartedAt))
}

// =============================================================================
// HELPERS
// =============================================================================

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Fields: formatValidationErrors(err),
		})
		return false
	}
	return true
}

func formatValidationErrors(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fields
	}
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", e.Field())
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param())
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
		default:
			fields[field] = fmt.Sprintf("%s is invalid", e.Field())
		}
	}
	return fields
}

// writeEngineError maps engine errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case access.IsTransient(err) || ledger.IsTransient(err):
		h.Logger.WarnContext(r.Context(), "request failed: store unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "Service temporarily unavailable",
			Retryable: true,
		})
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "Request canceled", nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, "Payment required", err)
	case errors.Is(err, ledger.ErrNotEnrolled), errors.Is(err, ledger.ErrLessonLocked):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.Is(err, ledger.ErrTransactionConflict), errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, ledger.ErrNotPurchasable),
		errors.Is(err, ledger.ErrAmountMismatch),
		errors.Is(err, ledger.ErrInvalidCatalog):
		writeError(w, http.StatusUnprocessableEntity, "Unprocessable", err)
	default:
		h.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
