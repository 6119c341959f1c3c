package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/dunamismax/risklens/internal/lifecycle"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/dunamismax/risklens/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultAgentIdentifier = "local-dev-agent"

type JobStarter interface {
	Start(ctx context.Context, req domain.StartJobRequest) (lifecycle.StartResult, error)
}

type StatusReader interface {
	Status(ctx context.Context, jobID string) (status.Result, error)
}

type JobLister interface {
	List(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
}

type Options struct {
	Logger          logrus.FieldLogger
	AgentIdentifier string
	SellerVKey      string

	RateLimiter RateLimiter
	// RateLimitSubjectHeader names the header identifying the caller. The
	// remote address is used when it is absent.
	RateLimitSubjectHeader string

	// Registry, when set, receives the API collectors and is what /metrics
	// serves.
	Registry *prometheus.Registry
	// Ready backs /healthz. Nil means always healthy.
	Ready func(ctx context.Context) error
}

type Server struct {
	logger                 logrus.FieldLogger
	starter                JobStarter
	statuses               StatusReader
	jobs                   JobLister
	agentIdentifier        string
	sellerVKey             string
	rateLimiter            RateLimiter
	rateLimitSubjectHeader string
	ready                  func(ctx context.Context) error
	metrics                *metrics
	tracer                 trace.Tracer
	mux                    *http.ServeMux
}

func NewServer(starter JobStarter, statuses StatusReader, jobs JobLister, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	agentID := strings.TrimSpace(opts.AgentIdentifier)
	if agentID == "" {
		logger.Warn("agent identifier not set, using default for local testing")
		agentID = defaultAgentIdentifier
	}

	s := &Server{
		logger:                 logger,
		starter:                starter,
		statuses:               statuses,
		jobs:                   jobs,
		agentIdentifier:        agentID,
		sellerVKey:             opts.SellerVKey,
		rateLimiter:            opts.RateLimiter,
		rateLimitSubjectHeader: opts.RateLimitSubjectHeader,
		ready:                  opts.Ready,
		metrics:                newMetrics(opts.Registry),
		tracer:                 otel.Tracer("risklens/api"),
		mux:                    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /health", s.handleHealthz)
	s.mux.HandleFunc("GET /availability", s.handleAvailability)
	s.mux.HandleFunc("GET /input_schema", s.handleInputSchema)
	s.mux.HandleFunc("POST /start_job", s.handleStartJob)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "RiskLens blockchain compliance and risk scoring agent",
		"agentIdentifier": s.agentIdentifier,
		"endpoints": map[string]string{
			"availability": "/availability",
			"input_schema": "/input_schema",
			"start_job":    "/start_job",
			"status":       "/status?job_id=<job_id>",
			"health":       "/health",
			"jobs":         "/v1/jobs",
			"metrics":      "/metrics",
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAvailability(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "available",
		"type":            "masumi-agent",
		"agentIdentifier": s.agentIdentifier,
		"message":         "Server operational.",
	})
}

func (s *Server) handleInputSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"input_data": []map[string]any{
			{
				"id":   "wallet_address",
				"type": "string",
				"name": "Wallet Address",
				"data": map[string]string{
					"description": "The blockchain wallet address to analyze for compliance and risk assessment",
					"placeholder": "Enter wallet address (e.g., addr_test1...)",
				},
			},
		},
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req domain.StartJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.starter.Start(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil && isProviderError(err):
		s.logger.WithError(err).Error("start job: payment provider failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
		return
	case err != nil:
		s.logger.WithError(err).Error("start job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start job"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                    "success",
		"job_id":                    res.JobID,
		"blockchainIdentifier":      res.Payment.Reference,
		"submitResultTime":          res.Payment.SubmitResultTime,
		"unlockTime":                res.Payment.UnlockTime,
		"externalDisputeUnlockTime": res.Payment.ExternalDisputeUnlockTime,
		"payByTime":                 res.Payment.PayByTime,
		"agentIdentifier":           s.agentIdentifier,
		"sellerVKey":                s.sellerVKey,
		"identifierFromPurchaser":   res.PurchaserReference,
		"input_hash":                res.Payment.InputHash,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id query parameter is required"})
		return
	}

	res, err := s.statuses.Status(r.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	case err != nil:
		s.logger.WithField("job_id", jobID).WithError(err).Error("load job status failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	body := map[string]any{
		"job_id":         res.JobID,
		"status":         res.Status,
		"payment_status": res.PaymentStatus,
		"result":         res.Result,
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	writeJSON(w, http.StatusOK, body)
}

type jobSummary struct {
	JobID            string           `json:"job_id"`
	Status           domain.JobStatus `json:"status"`
	PaymentStatus    string           `json:"payment_status"`
	PaymentReference string           `json:"payment_reference"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter domain.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := domain.ParseJobStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter = parsed
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("list jobs failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	out := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobSummary{
			JobID:            job.ID,
			Status:           job.Status,
			PaymentStatus:    job.PaymentStatus,
			PaymentReference: job.PaymentReference,
			Error:            job.Error,
			CreatedAt:        job.CreatedAt,
			UpdatedAt:        job.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

func isProviderError(err error) bool {
	var pe *payment.ProviderError
	return errors.As(err, &pe)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
