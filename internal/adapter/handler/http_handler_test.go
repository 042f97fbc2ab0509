package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stocklock/internal/adapter/memory"
	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/core/lock"
	"github.com/rl1809/stocklock/internal/core/service"
	"github.com/rl1809/stocklock/pkg/metrics"
)

type fixture struct {
	store *memory.Store
	coord *memory.Coordinator
	svc   *service.StockService
	reg   *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	coord := memory.NewCoordinator()
	retry := lock.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	registry := lock.NewRegistry(store, coord, lock.Config{
		LockWaitTimeout: 50 * time.Millisecond,
		LeaseDuration:   time.Second,
		Retry:           retry,
	})

	reg := prometheus.NewRegistry()
	svc := service.NewStockService(store, registry, service.Config{Default: lock.KindPessimistic, Retry: retry}, nil, metrics.New(reg))

	require.NoError(t, store.Seed(context.Background(), "1", 10))
	return &fixture{store: store, coord: coord, svc: svc, reg: reg}
}

func decrement(t *testing.T, h http.Handler, id, body string) (*httptest.ResponseRecorder, DecrementHTTPResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stock/"+id+"/decrement", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp DecrementHTTPResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func TestHTTP_DecrementSuccess(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	rec, resp := decrement(t, h, "1", `{"amount":3,"strategy":"optimistic"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Quantity)
	assert.Equal(t, int64(7), *resp.Quantity)
}

func TestHTTP_DecrementFailures(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	tests := []struct {
		name    string
		id      string
		body    string
		status  int
		failure domain.Failure
	}{
		{"malformed body", "1", `{"amount":`, http.StatusBadRequest, domain.FailureInvalidRequest},
		{"zero amount", "1", `{"amount":0}`, http.StatusBadRequest, domain.FailureInvalidRequest},
		{"unknown strategy", "1", `{"amount":1,"strategy":"redlock"}`, http.StatusBadRequest, domain.FailureInvalidRequest},
		{"missing stock", "404", `{"amount":1}`, http.StatusNotFound, domain.FailureNotFound},
		{"insufficient", "1", `{"amount":11}`, http.StatusConflict, domain.FailureInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := decrement(t, h, tt.id, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, string(tt.failure), resp.Failure)
			assert.Nil(t, resp.Quantity)
		})
	}
}

func TestHTTP_CoordinatorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.coord.SetAvailable(false)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	rec, resp := decrement(t, h, "1", `{"amount":1,"strategy":"spin"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(domain.FailureCoordinatorUnavailable), resp.Failure)
	assert.Equal(t, "lock service unavailable", resp.Message)
}

func TestHTTP_LockTimeout(t *testing.T) {
	f := newFixture(t)
	held, err := f.store.AcquireNamedLock(context.Background(), domain.ResourceKey("1"), time.Second)
	require.NoError(t, err)
	defer f.store.ReleaseNamedLock(context.Background(), held)

	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()
	rec, resp := decrement(t, h, "1", `{"amount":1,"strategy":"named"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(domain.FailureLockTimeout), resp.Failure)
}

func TestHTTP_GetStock(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stock/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var stock StockHTTPResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stock))
	assert.Equal(t, StockHTTPResponse{ID: "1", Quantity: 10}, stock)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stock/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	decrement(t, h, "1", `{"amount":1}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stock_decrements_total{result="ok",strategy="pessimistic"} 1`)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, f.reg, nil).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stock/1/decrement", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusRequestTimeout, statusFor(domain.FailureCanceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(domain.FailureInternal))
	assert.Equal(t, http.StatusConflict, statusFor(domain.FailureConflict))
}
