package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/lifecycle"
	"github.com/dunamismax/risklens/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobRunner drives a confirmed job to a terminal status.
type JobRunner interface {
	HandlePaymentConfirmed(ctx context.Context, jobID, paymentReference string) error
}

type Server struct {
	logger  logrus.FieldLogger
	server  *asynq.Server
	sem     chan struct{}
	runner  JobRunner
	metrics *metrics
	tracer  trace.Tracer
}

// NewServer builds the asynq server. registry, when set, is shared with the
// rest of the process so one /metrics endpoint serves everything.
func NewServer(
	logger logrus.FieldLogger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runner JobRunner,
	registry *prometheus.Registry,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("job runner is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := newServer(logger, workerCfg.MaxActiveJobs, runner, registry)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.WithField("subsystem", "asynq"),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retry":     retried,
					"max_retry": maxRetry,
				}).WithError(err).Warn("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger logrus.FieldLogger, maxActive int, runner JobRunner, registry *prometheus.Registry) *Server {
	return &Server{
		logger:  logger,
		sem:     make(chan struct{}, max(1, maxActive)),
		runner:  runner,
		metrics: newMetrics(registry),
		tracer:  otel.Tracer("risklens/worker"),
	}
}

// Start begins processing in the background. Signal handling is left to the
// caller, which stops the server with Shutdown.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunAnalysis, s.handleRunAnalysis)
	return s.server.Start(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunAnalysis(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "error"

	payload, err := queue.ParseRunAnalysisPayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.run_analysis", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("payment.reference", payload.PaymentReference),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	log := s.logger.WithField("job_id", payload.JobID)
	log.WithField("queued_for", time.Since(payload.ConfirmedAt).Round(time.Millisecond)).Info("running analysis task")

	err = s.runner.HandlePaymentConfirmed(ctx, payload.JobID, payload.PaymentReference)
	switch {
	case err == nil:
		outcome = "done"
		span.SetStatus(codes.Ok, "done")
		return nil
	case errors.Is(err, lifecycle.ErrClaim):
		// Nothing was recorded yet, so a retry is safe.
		outcome = "retry"
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return err
	case errors.Is(err, lifecycle.ErrRecord):
		// A redelivery would only find the job already claimed.
		outcome = "unrecorded"
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome not recorded")
		log.WithError(err).Error("job outcome not recorded, left running")
		return fmt.Errorf("run analysis for job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return fmt.Errorf("run analysis for job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
}
