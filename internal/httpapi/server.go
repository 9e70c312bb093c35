// Package httpapi is the programmatic HTTP surface of one organization:
// ledger postings, saga triggers, corrections, reports and the bulk jobs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/app"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 32 << 20
	dateLayout     = "2006-01-02"
)

// Server routes requests to the services of one organization.
type Server struct {
	org       *app.Org
	telemetry *observability.Telemetry
	logger    *zap.Logger
	mux       *http.ServeMux

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New builds the handler. telemetry may be nil, in which case /metrics
// reports nothing.
func New(org *app.Org, telemetry *observability.Telemetry, logger *zap.Logger) *Server {
	s := &Server{
		org:       org,
		telemetry: telemetry,
		logger:    observability.OrNop(logger),
		mux:       http.NewServeMux(),
		requests:  observability.Counter("http.server.requests", "HTTP requests served"),
		latency:   observability.Histogram("http.server.duration", "HTTP request latency", "ms"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /metrics", s.metrics)

	s.ledgerRoutes()
	s.sagaRoutes()
	s.operationRoutes()
}

// statusRecorder captures the status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartSpan(r.Context(), "httpapi", r.Method+" "+r.URL.Path)
	defer span.End()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r.WithContext(ctx))

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.Int("status", rec.status),
	)
	s.requests.Add(ctx, 1, attrs)
	s.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	logger := observability.WithTrace(ctx, s.logger)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", elapsed),
	}
	if rec.status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
		return
	}
	logger.Debug("request served", fields...)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "org_id": s.org.ID})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		writeJSON(w, http.StatusOK, []observability.MetricPoint{})
		return
	}
	points, err := s.telemetry.Collect(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Kind     models.Kind       `json:"kind"`
	Code     models.Code       `json:"code,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Saga     *stepFailureBody  `json:"saga,omitempty"`
}

type stepFailureBody struct {
	SagaID      string `json:"saga_id"`
	SagaType    string `json:"saga_type"`
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name"`
	Compensated bool   `json:"compensated"`
	FundsMoved  bool   `json:"funds_moved"`
}

// statusFor maps an error kind to the HTTP status callers react to.
func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConcurrency:
		return http.StatusConflict
	case models.KindCompliance, models.KindPeriodClosed, models.KindSagaStep:
		return http.StatusUnprocessableEntity
	case models.KindBlocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a structured error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Kind: models.KindInternal, Message: err.Error()}

	var failure *models.StepFailure
	var domainErr *models.Error
	switch {
	case errors.As(err, &failure):
		body.Kind = models.KindSagaStep
		body.Code = models.CodeSagaStepFailed
		body.Saga = &stepFailureBody{
			SagaID:      failure.SagaID,
			SagaType:    failure.SagaType,
			StepIndex:   failure.StepIndex,
			StepName:    failure.StepName,
			Compensated: failure.Compensated,
			FundsMoved:  failure.FundsMoved,
		}
		if errors.As(failure.Cause, &domainErr) {
			body.Metadata = domainErr.Metadata
		}
	case errors.As(err, &domainErr):
		body.Kind = domainErr.Kind
		body.Code = domainErr.Code
		body.Metadata = domainErr.Metadata
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Kind: models.KindInternal, Message: "request timed out"})
		return
	}

	status := statusFor(body.Kind)
	if status == http.StatusInternalServerError {
		observability.WithTrace(r.Context(), s.logger).Error("internal error",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return models.Wrap(models.CodeInvalid, "invalid request body", err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, models.Wrap(models.CodeInvalid, "invalid request body", err)
	}
	if !json.Valid(raw) {
		return nil, models.NewValidation("request body is not valid JSON")
	}
	return raw, nil
}

// Date accepts "2006-01-02" or RFC 3339 in request bodies.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		d.Time = time.Time{}
		return nil
	}
	t, err := parseDate(raw)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, models.WithMetadata(models.CodeInvalid, "dates use YYYY-MM-DD", map[string]string{"value": raw})
	}
	return t.UTC(), nil
}

// queryDate reads an optional date parameter; absent means the zero time.
func queryDate(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return parseDate(raw)
}

// queryRange reads from/to, defaulting to the current month to date.
func (s *Server) queryRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := queryDate(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := queryDate(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.IsZero() {
		to = models.DateOf(time.Now().UTC())
	}
	if from.IsZero() {
		from = time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, models.NewValidation("to is before from")
	}
	return from, to, nil
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, models.WithMetadata(models.CodeInvalid, name+" must be a number", map[string]string{name: r.PathValue(name)})
	}
	return v, nil
}
