package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/core/service"
	"github.com/rl1809/stocklock/pkg/logger"
)

type HTTPHandler struct {
	stockService *service.StockService
	gatherer     prometheus.Gatherer
	log          *logger.Logger
}

type DecrementHTTPRequest struct {
	Amount   int64  `json:"amount"`
	Strategy string `json:"strategy,omitempty"`
}

type DecrementHTTPResponse struct {
	Success  bool   `json:"success"`
	Quantity *int64 `json:"quantity,omitempty"`
	Failure  string `json:"failure,omitempty"`
	Message  string `json:"message"`
}

type StockHTTPResponse struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
}

func NewHTTPHandler(stockService *service.StockService, gatherer prometheus.Gatherer, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{stockService: stockService, gatherer: gatherer, log: log.Named("http")}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/health", h.HealthCheck)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/api/v1/stock/{id}", h.GetStock)
	r.Post("/api/v1/stock/{id}/decrement", h.Decrement)
	return r
}

func (h *HTTPHandler) Decrement(w http.ResponseWriter, r *http.Request) {
	var req DecrementHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, DecrementHTTPResponse{
			Success: false,
			Failure: string(domain.FailureInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	result := h.stockService.Execute(r.Context(), domain.DecrementRequest{
		ID:       chi.URLParam(r, "id"),
		Amount:   req.Amount,
		Strategy: req.Strategy,
	})
	if !result.OK {
		if result.Failure == domain.FailureInternal {
			h.log.Error().Err(result.Err).Str("id", chi.URLParam(r, "id")).Msg("decrement failed")
		}
		writeJSON(w, statusFor(result.Failure), DecrementHTTPResponse{
			Success: false,
			Failure: string(result.Failure),
			Message: messageFor(result),
		})
		return
	}

	qty := result.Quantity
	writeJSON(w, http.StatusOK, DecrementHTTPResponse{
		Success:  true,
		Quantity: &qty,
		Message:  "stock decremented",
	})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	qty, err := h.stockService.Quantity(r.Context(), id)
	if err != nil {
		f := domain.Classify(err)
		writeJSON(w, statusFor(f), DecrementHTTPResponse{
			Success: false,
			Failure: string(f),
			Message: messageFor(domain.Failed(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, StockHTTPResponse{ID: id, Quantity: qty})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func statusFor(f domain.Failure) int {
	switch f {
	case domain.FailureNone:
		return http.StatusOK
	case domain.FailureInvalidRequest:
		return http.StatusBadRequest
	case domain.FailureNotFound:
		return http.StatusNotFound
	case domain.FailureInsufficientStock, domain.FailureConflict:
		return http.StatusConflict
	case domain.FailureLockTimeout, domain.FailureCoordinatorUnavailable:
		return http.StatusServiceUnavailable
	case domain.FailureCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// messageFor keeps internal error text off the wire.
func messageFor(result domain.DecrementResult) string {
	switch result.Failure {
	case domain.FailureInvalidRequest:
		if result.Err != nil {
			return result.Err.Error()
		}
		return "invalid request"
	case domain.FailureNotFound:
		return "stock not found"
	case domain.FailureInsufficientStock:
		return "insufficient stock"
	case domain.FailureConflict:
		return "too much contention, retry later"
	case domain.FailureLockTimeout:
		return "lock wait timed out"
	case domain.FailureCoordinatorUnavailable:
		return "lock service unavailable"
	case domain.FailureCanceled:
		return "request canceled"
	}
	return "internal error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
