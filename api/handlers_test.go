/*
handlers_test.go - HTTP tests for the access API

Tests for:
- Authentication and admin gating
- Purchase -> webhook -> access flow
- Sequential lesson gating over HTTP
- Status mapping (402/403/404/422/503)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/access"
	"github.com/warp/access-engine/auth"
	"github.com/warp/access-engine/catalog"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/ledger/store"
	"github.com/warp/access-engine/payments"
	"github.com/warp/access-engine/progress"
	"github.com/warp/access-engine/purchase"
)

type testAPI struct {
	router   http.Handler
	store    *store.Faulty
	verifier *auth.Verifier
	signer   *payments.Signer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	s := store.NewFaulty(store.NewMemory())
	require.NoError(t, catalog.Load(context.Background(), s, catalog.Demo()))

	gate := purchase.NewGate(s)
	enrollments := enrollment.NewService(s, gate)
	gate.OnConfirm(enrollments.OnPurchaseConfirmed)
	tracker := progress.NewTracker(s, enrollments, nil)
	ctrl := access.NewController(s, enrollments, gate, tracker)
	ctrl.Backoff = time.Millisecond

	verifier, err := auth.NewVerifier("jwt-secret")
	require.NoError(t, err)
	signer, err := payments.NewSigner("hook-secret")
	require.NoError(t, err)

	h := NewHandler(Deps{
		Access:      ctrl,
		Enrollments: enrollments,
		Purchases:   gate,
		Catalog:     s,
		Signer:      signer,
	})
	return &testAPI{
		router:   NewRouter(h, verifier, []string{"*"}),
		store:    s,
		verifier: verifier,
		signer:   signer,
	}
}

func (a *testAPI) token(t *testing.T, user ledger.UserID, role string) string {
	t.Helper()
	tok, err := a.verifier.Issue(user, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) webhook(t *testing.T, ev payments.Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set(payments.SignatureHeader, a.signer.Sign(body))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_RequiresToken(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/courses/market-basics/access", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_AdminRoutesRequireAdminRole(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/admin/reconcile", a.token(t, "u1", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

// =============================================================================
// PURCHASE FLOW
// =============================================================================

func TestAPI_PaidCourseFlow(t *testing.T) {
	// GIVEN: A paid course and a user without a purchase
	// WHEN: The user checks access, buys, and the provider confirms
	// THEN: 402 before, 200 after with an enrollment and the first lesson unlocked

	a := newTestAPI(t)
	tok := a.token(t, "u1", "")

	rec := a.do(t, http.MethodGet, "/api/courses/trading-101/access", tok, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	d := decode[DecisionDTO](t, rec)
	assert.False(t, d.CanView)
	assert.Equal(t, "payment_required", d.Reason)

	rec = a.do(t, http.MethodPost, "/api/purchases", tok,
		[]byte(`{"item_kind":"course","item_id":"trading-101"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[PurchaseDTO](t, rec)
	assert.Equal(t, "PENDING", p.Status)
	assert.Equal(t, "99.00", p.AmountUSD)
	require.NotEmpty(t, p.TransactionID)
	tx := p.TransactionID

	// Still pending: no access.
	rec = a.do(t, http.MethodGet, "/api/courses/trading-101/access", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = a.webhook(t, payments.Event{TransactionID: tx, Status: ledger.PurchaseCompleted})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/courses/trading-101/access", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d = decode[DecisionDTO](t, rec)
	assert.True(t, d.CanView)
	assert.Equal(t, "l1", d.FarthestUnlockedLessonID)
	require.NotNil(t, d.Progress)
	assert.Equal(t, 3, d.Progress.TotalLessons)

	es := decode[[]EnrollmentDTO](t, a.do(t, http.MethodGet, "/api/me/enrollments", tok, nil))
	require.Len(t, es, 1)
	assert.Equal(t, "trading-101", es[0].CourseID)
	assert.Equal(t, tx, es[0].SourceTransactionID)

	ps := decode[[]PurchaseDTO](t, a.do(t, http.MethodGet, "/api/me/purchases", tok, nil))
	require.Len(t, ps, 1)
	assert.Equal(t, "COMPLETED", ps[0].Status)

	// Refund revokes access.
	rec = a.webhook(t, payments.Event{TransactionID: tx, Status: ledger.PurchaseRefunded})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/courses/trading-101/access", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/courses/trading-101/progress", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/lessons/l2/complete", tok, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAPI_CreatePurchaseValidation(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1", "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing kind", `{"item_id":"trading-101"}`, http.StatusBadRequest},
		{"bad kind", `{"item_kind":"book","item_id":"x"}`, http.StatusBadRequest},
		{"client amount rejected", `{"item_kind":"course","item_id":"trading-101","amount_usd":"1"}`, http.StatusBadRequest},
		{"client transaction id rejected", `{"item_kind":"course","item_id":"trading-101","transaction_id":"tx-1"}`, http.StatusBadRequest},
		{"free course", `{"item_kind":"course","item_id":"market-basics"}`, http.StatusUnprocessableEntity},
		{"unknown resource", `{"item_kind":"resource","item_id":"nope"}`, http.StatusNotFound},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/purchases", tok, []byte(tt.body))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_TransactionIDIsServerAssigned(t *testing.T) {
	// GIVEN: Two users opening intents for the same resource
	// WHEN: Both post a purchase
	// THEN: Each gets its own server-assigned transaction id, confirming one
	//       does not grant access to the other

	a := newTestAPI(t)
	body := []byte(`{"item_kind":"resource","item_id":"cheat-sheet"}`)
	tok1, tok2 := a.token(t, "u1", ""), a.token(t, "u2", "")

	rec := a.do(t, http.MethodPost, "/api/purchases", tok1, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	p1 := decode[PurchaseDTO](t, rec)
	rec = a.do(t, http.MethodPost, "/api/purchases", tok2, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	p2 := decode[PurchaseDTO](t, rec)

	require.NotEmpty(t, p1.TransactionID)
	assert.NotEqual(t, p1.TransactionID, p2.TransactionID)

	require.Equal(t, http.StatusOK, a.webhook(t, payments.Event{TransactionID: p1.TransactionID, Status: ledger.PurchaseCompleted}).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/resources/cheat-sheet/access", tok1, nil).Code)
	assert.Equal(t, http.StatusPaymentRequired, a.do(t, http.MethodGet, "/api/resources/cheat-sheet/access", tok2, nil).Code)
}

// =============================================================================
// WEBHOOK
// =============================================================================

func TestAPI_Webhook(t *testing.T) {
	a := newTestAPI(t)

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook",
			bytes.NewReader([]byte(`{"transaction_id":"tx-1","status":"COMPLETED"}`)))
		req.Header.Set(payments.SignatureHeader, "sha256=00")
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsupported status", func(t *testing.T) {
		rec := a.webhook(t, payments.Event{TransactionID: "tx-1", Status: ledger.PurchasePending})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		rec := a.webhook(t, payments.Event{TransactionID: "tx-missing", Status: ledger.PurchaseCompleted})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("impossible transition", func(t *testing.T) {
		tok := a.token(t, "u1", "")
		rec := a.do(t, http.MethodPost, "/api/purchases", tok,
			[]byte(`{"item_kind":"resource","item_id":"cheat-sheet"}`))
		require.Equal(t, http.StatusCreated, rec.Code)
		tx := decode[PurchaseDTO](t, rec).TransactionID
		rec = a.webhook(t, payments.Event{TransactionID: tx, Status: ledger.PurchaseRefunded})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

// =============================================================================
// LESSONS
// =============================================================================

func TestAPI_SequentialLessons(t *testing.T) {
	// GIVEN: A free course with lessons d1, d2
	// WHEN: The user opens d2 first, completes d1, opens d2 again
	// THEN: d2 is locked behind d1, then open

	a := newTestAPI(t)
	tok := a.token(t, "u1", "")

	rec := a.do(t, http.MethodGet, "/api/lessons/d2/access", tok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	d := decode[DecisionDTO](t, rec)
	assert.Equal(t, "lesson_locked", d.Reason)
	assert.Equal(t, "d1", d.BlockingLessonID)

	rec = a.do(t, http.MethodPost, "/api/lessons/d2/complete", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/lessons/d1/complete", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d = decode[DecisionDTO](t, rec)
	assert.Equal(t, "d2", d.FarthestUnlockedLessonID)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/lessons/d2/access", tok, nil).Code)

	rec = a.do(t, http.MethodGet, "/api/courses/market-basics/progress", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d = decode[DecisionDTO](t, rec)
	require.NotNil(t, d.Progress)
	assert.Equal(t, 1, d.Progress.CompletedCount)
	assert.Equal(t, "completed", d.Progress.Lessons[0].State)
	assert.NotEmpty(t, d.Progress.Lessons[0].CompletedAt)
	assert.Equal(t, "unlocked", d.Progress.Lessons[1].State)
}

func TestAPI_ProgressWithoutEnrollment(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/courses/market-basics/progress", a.token(t, "u1", ""), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_enrolled", decode[DecisionDTO](t, rec).Reason)
}

func TestAPI_PreviewLessonWithoutPurchase(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1", "")

	rec := a.do(t, http.MethodGet, "/api/lessons/l1/access", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DecisionDTO](t, rec).Preview)

	assert.Equal(t, http.StatusPaymentRequired, a.do(t, http.MethodGet, "/api/lessons/l2/access", tok, nil).Code)
}

func TestAPI_Resources(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1", "")

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/resources/glossary/access", tok, nil).Code)
	assert.Equal(t, http.StatusPaymentRequired, a.do(t, http.MethodGet, "/api/resources/cheat-sheet/access", tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/resources/nope/access", tok, nil).Code)
}

func TestAPI_StoreUnavailable(t *testing.T) {
	// GIVEN: The store fails every call for a while
	// WHEN: An access check runs
	// THEN: 503 with retryable=true, not a denial

	a := newTestAPI(t)
	tok := a.token(t, "u1", "")
	a.store.FailNext(10)

	rec := a.do(t, http.MethodGet, "/api/resources/cheat-sheet/access", tok, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[ErrorResponse](t, rec).Retryable)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_ImportCatalog(t *testing.T) {
	a := newTestAPI(t)
	admin := a.token(t, "ops", auth.RoleAdmin)

	doc := []byte(`
courses:
  - id: options-201
    title: Options 201
    price_usd: "149.00"
    lessons:
      - {id: o1, title: Calls, order: 1}
      - {id: o2, title: Puts, order: 2}
`)
	rec := a.do(t, http.MethodPost, "/api/admin/catalog", admin, doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, CatalogImportResponse{Courses: 1}, decode[CatalogImportResponse](t, rec))

	rec = a.do(t, http.MethodGet, "/api/courses/options-201/access", a.token(t, "u1", ""), nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	gap := []byte(`{"courses":[{"id":"bad","title":"Bad","is_free":true,"lessons":[{"id":"b1","title":"B1","order":1},{"id":"b3","title":"B3","order":3}]}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodPost, "/api/admin/catalog", admin, gap).Code)

	reordered := []byte(`
courses:
  - id: options-201
    title: Options 201
    price_usd: "149.00"
    lessons:
      - {id: o2, title: Puts, order: 1}
      - {id: o1, title: Calls, order: 2}
`)
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodPost, "/api/admin/catalog", admin, reordered).Code)
}

func TestAPI_Reconcile(t *testing.T) {
	// GIVEN: A completed course purchase whose confirm listener never ran
	// WHEN: An admin triggers reconciliation
	// THEN: The buyer is enrolled

	a := newTestAPI(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, err := a.store.InsertPurchase(ctx, ledger.Purchase{
		ID:            "p-1",
		UserID:        "u1",
		Item:          ledger.CourseRef("trading-101"),
		AmountUSD:     decimal.NewFromInt(99),
		Status:        ledger.PurchasePending,
		TransactionID: "tx-orphan",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
	changed, err := a.store.TransitionPurchase(ctx, "tx-orphan", ledger.PurchasePending, ledger.PurchaseCompleted, now)
	require.NoError(t, err)
	require.True(t, changed)

	rec := a.do(t, http.MethodPost, "/api/admin/reconcile", a.token(t, "ops", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ReconcileResponse](t, rec)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Enrolled)

	es := decode[[]EnrollmentDTO](t, a.do(t, http.MethodGet, "/api/me/enrollments", a.token(t, "u1", ""), nil))
	require.Len(t, es, 1)
	assert.Equal(t, "trading-101", es[0].CourseID)

	rec = a.do(t, http.MethodPost, "/api/admin/reconcile?limit=x", a.token(t, "ops", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
