package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/app"
	"github.com/sheikh-saqib/property-ledger-core/internal/config"
	"github.com/sheikh-saqib/property-ledger-core/internal/gateway"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

type harness struct {
	org  *app.Org
	srv  *Server
	cash string
	rent string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)
	org, err := app.New(context.Background(), app.Options{
		Config: config.Config{
			OrgID:                   "acme",
			Currency:                "USD",
			KafkaTopicPrefix:        "ledger",
			AllocationPriority:      "rent,fees",
			AllocationTieBreak:      "created_at",
			ReconcileDateWindowDays: 3,
		},
		Store:       memory.NewStore(),
		Checkpoints: memory.NewCheckpointStore(),
		Gateway:     gateway.NewSimulated(),
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { org.Close() })

	h := &harness{org: org, srv: New(org, nil, nil)}
	rec := h.do(t, http.MethodPost, "/properties/p1/chart", map[string]string{"owner_id": "o1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cash, err := org.Ledger.AccountFor(context.Background(), "p1", models.RoleTrustCash)
	require.NoError(t, err)
	rent, err := org.Ledger.AccountFor(context.Background(), "p1", models.RoleRentIncome)
	require.NoError(t, err)
	h.cash, h.rent = cash.ID, rent.ID
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) entry(date string, debit, credit int64) map[string]any {
	return map[string]any{
		"type": "adjustment",
		"date": date,
		"postings": []models.Posting{
			{AccountID: h.cash, PropertyID: "p1", Debit: debit},
			{AccountID: h.rent, PropertyID: "p1", Credit: credit},
		},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"org_id":"acme"`)

	rec = h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPostEntryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	key := map[string]string{"Idempotency-Key": "import-1"}

	rec := h.do(t, http.MethodPost, "/entries", h.entry("2024-07-01", 1500, 1500), key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first models.JournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = h.do(t, http.MethodPost, "/entries", h.entry("2024-07-01", 1500, 1500), key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replay models.JournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.Equal(t, first.ID, replay.ID)

	rec = h.do(t, http.MethodGet, "/trial-balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balanced":true`)
	assert.Contains(t, rec.Body.String(), `"total_debits":1500`)
}

func TestPostEntryRejectsUnbalanced(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/entries", h.entry("2024-07-01", 100, 90), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, models.KindValidation, body.Kind)
	assert.Equal(t, models.CodeUnbalanced, body.Code)

	rec = h.do(t, http.MethodPost, "/entries", map[string]any{"type": "adjustment", "bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoidTwiceFails(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/entries", h.entry("2024-07-01", 700, 700), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry models.JournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	void := map[string]string{"reason": "typo", "actor": "ops"}
	rec = h.do(t, http.MethodPost, "/entries/"+entry.ID+"/void", void, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/entries/"+entry.ID+"/void", void, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.CodeAlreadyVoided, decodeError(t, rec).Code)

	rec = h.do(t, http.MethodGet, "/entries/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteSagaOverHTTP(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/charges", map[string]any{
		"id": "rent-jul", "tenant_id": "t1", "property_id": "p1", "category": "rent", "amount": 90000, "due_date": "2024-07-01",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	payment := map[string]any{"payment_id": "pay1", "tenant_id": "t1", "property_id": "p1", "amount": 90000}
	rec = h.do(t, http.MethodPost, "/sagas/payment_processing", payment, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var s models.Saga
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, models.SagaCompleted, s.Status)

	rec = h.do(t, http.MethodPost, "/sagas/payment_processing", payment, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/sagas/"+s.ID+"?wait=1s", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = h.do(t, http.MethodGet, "/tenants/t1/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outstanding":0`)

	rec = h.do(t, http.MethodPost, "/sagas/teleport", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/sagas/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosedPeriodRejectsPostings(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/periods", map[string]string{"name": "2024-06", "start": "2024-06-01", "end": "2024-06-30"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Period
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	rec = h.do(t, http.MethodPost, "/sagas/period_close", map[string]string{"period_id": p.ID, "closed_by": "ops"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/entries", h.entry("2024-06-15", 100, 100), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.CodePeriodClosed, decodeError(t, rec).Code)
}

func TestGatewayWebhookQueuesEvent(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{
		"type":    "succeeded",
		"payment": map[string]any{"payment_id": "pay9", "tenant_id": "t1", "property_id": "p1", "amount": 2500, "currency": "USD"},
	}
	rec := h.do(t, http.MethodPost, "/webhooks/gateway", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), models.EventGatewayPaymentOK)

	_, err := h.org.Worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	payment, err := h.org.Tenants.GetPayment(context.Background(), "pay9")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), payment.Amount)

	rec = h.do(t, http.MethodPost, "/webhooks/gateway", map[string]any{"type": "chargeback", "payment": map[string]any{"payment_id": "x"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMigrationValidateTakesRawCSV(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/migration/validate", strings.NewReader("garbage"))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/migration/load", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[models.Kind]int{
		models.KindValidation:   http.StatusBadRequest,
		models.KindNotFound:     http.StatusNotFound,
		models.KindConcurrency:  http.StatusConflict,
		models.KindCompliance:   http.StatusUnprocessableEntity,
		models.KindPeriodClosed: http.StatusUnprocessableEntity,
		models.KindSagaStep:     http.StatusUnprocessableEntity,
		models.KindBlocked:      http.StatusLocked,
		models.KindZombie:       http.StatusInternalServerError,
		models.KindInternal:     http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(kind), kind)
	}
}

func TestFailReportsStepFailure(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sagas/distribution", nil)
	h.srv.fail(rec, req, &models.StepFailure{
		SagaID: "s1", SagaType: "distribution", StepIndex: 2, StepName: "request_payout",
		Compensated: true, Cause: models.NewError(models.CodeInsufficientFunds, "short"),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	require.NotNil(t, body.Saga)
	assert.Equal(t, "request_payout", body.Saga.StepName)
	assert.True(t, body.Saga.Compensated)
	assert.False(t, body.Saga.FundsMoved)

	rec = httptest.NewRecorder()
	h.srv.fail(rec, req, errors.New("connection reset"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Message)
}
