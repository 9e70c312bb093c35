package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func TestHTTPGateway_Disburse(t *testing.T) {
	var gotKey string
	var got disburseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(disburseResponse{Reference: "ref-1"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, 0, nil)
	ref, err := g.Disburse(context.Background(), interfaces.Disbursement{
		ID: "dist:1", Kind: interfaces.DisburseOwnerPayout, PayeeID: "owner-1", Amount: 5000, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", ref)
	assert.Equal(t, "dist:1", gotKey)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Equal(t, "owner_payout", got.Kind)
}

func TestHTTPGateway_ErrorClasses(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(disburseResponse{Error: "payee account closed"})
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL, 0, nil)

	_, err := g.Disburse(context.Background(), interfaces.Disbursement{ID: "a"})
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err), "a rejection is a business failure")
	assert.Contains(t, err.Error(), "payee account closed")

	status = http.StatusBadGateway
	_, err = g.Disburse(context.Background(), interfaces.Disbursement{ID: "b"})
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestHTTPGateway_MalformedResponse(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("<html>upstream proxy</html>"))
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL, 0, nil)

	_, err := g.Disburse(context.Background(), interfaces.Disbursement{ID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode gateway response")
	assert.True(t, models.IsRetryable(err), "the disbursement may still be retried under the same key")

	status = http.StatusBadRequest
	_, err = g.Disburse(context.Background(), interfaces.Disbursement{ID: "b"})
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "rejected disbursement (400)")
}

func TestSimulated_IdempotentByID(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()
	d := interfaces.Disbursement{ID: "x", Amount: 10}

	first, err := s.Disburse(ctx, d)
	require.NoError(t, err)
	second, err := s.Disburse(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, s.Sent(), 1)
}
