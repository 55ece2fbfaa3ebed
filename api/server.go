// Package api is the HTTP surface the crowdsourcing backend calls into.
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
	"time"

	"go-crowdwork/assignment"
	"go-crowdwork/bulktx"
	"go-crowdwork/metrics"
	"go-crowdwork/model"
	"go-crowdwork/registration"
	"go-crowdwork/store"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Records serves the read-only payment routes.
type Records interface {
	GetPaymentsAccount(ctx context.Context, id string) (*model.PaymentsAccount, error)
	GetBulkTransaction(ctx context.Context, id string) (*model.BulkTransactionRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the routes. A nil Registration or Bulk leaves its payment
// routes unregistered.
type Deps struct {
	Resolver     *assignment.Resolver
	Tracker      *assignment.Tracker
	Registration *registration.Saga
	Bulk         *bulktx.Orchestrator
	Records      Records
	// Checks are pinged by /healthz, keyed by the name reported on failure.
	Checks map[string]Pinger
}

type Server struct {
	Deps
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewServer(addr string, deps Deps, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	srv := &Server{
		Deps:     deps,
		logger:   logger.With("component", "http-api"),
		validate: bulktx.NewValidator(),
		tracer:   otel.Tracer("crowdwork-api"),
	}
	srv.handle(mux, "GET /tasks/{id}/assignable", srv.getAssignable)
	srv.handle(mux, "POST /tasks/{id}/assignments", srv.postAssignment)
	srv.handle(mux, "POST /assignments/{id}/submit", srv.postSubmit)
	srv.handle(mux, "GET /workers/{id}/incomplete", srv.getIncomplete)
	srv.handle(mux, "GET /microtasks/{id}/consensus", srv.getConsensus)
	srv.handle(mux, "POST /microtasks/{id}/complete", srv.postComplete)
	if deps.Registration != nil {
		srv.handle(mux, "POST /payments/accounts", srv.postAccount)
		srv.handle(mux, "PUT /payments/accounts/{id}", srv.putAccount)
		srv.handle(mux, "GET /payments/accounts/{id}", srv.getAccount)
	}
	if deps.Bulk != nil {
		srv.handle(mux, "POST /payments/bulk", srv.postBulk)
		srv.handle(mux, "GET /payments/bulk/{id}", srv.getBulk)
	}
	srv.handle(mux, "GET /healthz", srv.getHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// handle registers h under pattern, traced and counted by route.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	}))
}

func (s *Server) getAssignable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workerID := q.Get("worker_id")
	if workerID == "" {
		s.writeMessage(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	maxAssignments := assignment.Unbounded
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeMessage(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		maxAssignments = n
	}

	microtasks, err := s.Resolver.AssignableMicrotasks(r.Context(), r.PathValue("id"), workerID, maxAssignments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if microtasks == nil {
		microtasks = []model.Microtask{}
	}
	writeJSON(w, http.StatusOK, microtasks)
}

func (s *Server) postAssignment(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.Resolver.Assign(r.Context(), r.PathValue("id"), req.WorkerID, req.MaxAssignments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) postSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.Resolver.Submit(r.Context(), r.PathValue("id"), req.Output)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getIncomplete(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	incomplete, err := s.Resolver.HasIncompleteMicrotasks(r.Context(), workerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IncompleteResponse{WorkerID: workerID, Incomplete: incomplete})
}

func (s *Server) getConsensus(w http.ResponseWriter, r *http.Request) {
	c, err := s.Tracker.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) postComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req CompleteRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	if req.MinMatching == 0 {
		if err := s.Tracker.MarkComplete(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, CompleteResponse{MicrotaskID: id, Completed: true})
		return
	}

	done, _, err := s.Tracker.CompleteIfAgreed(r.Context(), id, req.MinMatching)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteResponse{MicrotaskID: id, Completed: done})
}

func (s *Server) postAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Registration.Submit(r.Context(), req.WorkerID, req.Details())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) putAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountDetailsRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Registration.Resubmit(r.Context(), r.PathValue("id"), req.Details())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.Records.GetPaymentsAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) postBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Bulk.SubmitBulkTransaction(r.Context(), req.ToSubmission())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getBulk(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Records.GetBulkTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var failed []string
	for name, c := range s.Checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unhealthy", Details: failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates the JSON body into v, writing a 400 and
// returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	span := trace.SpanFromContext(r.Context())
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		msg := err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		s.writeMessage(w, http.StatusBadRequest, msg)
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("Field '%s' failed on the '%s' tag.", fe.Field(), fe.Tag()))
			}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, registration.ErrInvalidAccount),
		errors.Is(err, bulktx.ErrInvalidSubmission),
		errors.Is(err, assignment.ErrInvalidOutput):
		return http.StatusBadRequest
	case errors.Is(err, assignment.ErrIncompleteWork),
		errors.Is(err, assignment.ErrNoAssignableMicrotask),
		errors.Is(err, assignment.ErrInvalidTransition),
		errors.Is(err, store.ErrQuotaExceededRace),
		errors.Is(err, registration.ErrNotResubmittable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		trace.SpanFromContext(r.Context()).RecordError(err)
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeMessage(w, status, "Internal server error")
		return
	}
	s.writeMessage(w, status, err.Error())
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
