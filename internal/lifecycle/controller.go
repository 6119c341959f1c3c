// Package lifecycle owns the job state machine. A job is created awaiting
// payment, advanced to running by the payment confirmation, and settled as
// completed or failed exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/dunamismax/risklens/internal/format"
	"github.com/dunamismax/risklens/internal/id"
	"github.com/dunamismax/risklens/internal/monitor"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/dunamismax/risklens/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrComputation = errors.New("analysis computation failed")
	ErrClosed      = errors.New("lifecycle controller is closed")

	// ErrClaim means the job could not be moved to running. The job is left
	// untouched, so the confirmation may be delivered again.
	ErrClaim = errors.New("claim job for analysis")

	// ErrRecord means a terminal status could not be written after retries.
	// The job is left running; a completed report is archived.
	ErrRecord = errors.New("record job outcome")
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	defaultTerminalWriteAttempts = 5
	defaultTerminalWriteBackoff  = 500 * time.Millisecond
	maxTerminalWriteBackoff      = 8 * time.Second
)

type Analyzer interface {
	Run(ctx context.Context, input map[string]string) (domain.Report, error)
}

type Watcher interface {
	Watch(jobID, paymentReference string, onConfirmed monitor.ConfirmFunc, onExpired monitor.ExpireFunc) error
	Cancel(jobID string)
	Watching(jobID string) bool
}

// Dispatcher hands a confirmed job to whatever runs the analysis pipeline.
// Without one the controller runs it on its own goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, paymentReference string) error
}

type ReportArchiver interface {
	ArchiveReport(ctx context.Context, jobID string, report domain.Report) (string, error)
}

type WebhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Logger     logrus.FieldLogger
	Dispatcher Dispatcher
	Archiver   ReportArchiver
	Webhook    WebhookSender
	WebhookURL string
	Registerer prometheus.Registerer
	NewID      func() string
	Now        func() time.Time

	// TerminalWriteAttempts bounds the store writes for completed and failed
	// jobs. The status precondition makes repeating them safe.
	TerminalWriteAttempts int
	TerminalWriteBackoff  time.Duration
}

type Controller struct {
	store      store.JobStore
	provider   payment.Provider
	analyzer   Analyzer
	watcher    Watcher
	dispatcher Dispatcher
	archiver   ReportArchiver
	webhook    WebhookSender
	webhookURL string
	logger     logrus.FieldLogger
	metrics    *metrics
	tracer     trace.Tracer
	newID      func() string
	now        func() time.Time

	writeAttempts int
	writeBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type StartResult struct {
	JobID              string
	PurchaserReference string
	Payment            payment.PaymentRequest
}

// New builds a Controller. watcher may be nil for processes that only run
// dispatched pipelines and never watch payments themselves.
func New(jobStore store.JobStore, provider payment.Provider, analyzer Analyzer, watcher Watcher, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	newID := opts.NewID
	if newID == nil {
		newID = id.New
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if watcher == nil {
		watcher = noopWatcher{}
	}
	writeAttempts := opts.TerminalWriteAttempts
	if writeAttempts < 1 {
		writeAttempts = defaultTerminalWriteAttempts
	}
	writeBackoff := opts.TerminalWriteBackoff
	if writeBackoff <= 0 {
		writeBackoff = defaultTerminalWriteBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:      jobStore,
		provider:   provider,
		analyzer:   analyzer,
		watcher:    watcher,
		dispatcher: opts.Dispatcher,
		archiver:   opts.Archiver,
		webhook:    opts.Webhook,
		webhookURL: opts.WebhookURL,
		logger:     logger,
		metrics:    newMetrics(opts.Registerer),
		tracer:     otel.Tracer("risklens/lifecycle"),
		newID:      newID,
		now:        now,

		writeAttempts: writeAttempts,
		writeBackoff:  writeBackoff,

		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens a payment request, persists the job as awaiting payment and
// starts watching for the confirmation. It returns as soon as the watch runs.
func (c *Controller) Start(ctx context.Context, req domain.StartJobRequest) (StartResult, error) {
	if err := req.Validate(); err != nil {
		return StartResult{}, err
	}

	jobID := c.newID()
	ctx, span := c.tracer.Start(ctx, "lifecycle.start")
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	pr, err := c.provider.CreateRequest(ctx, payment.Request{
		JobID:              jobID,
		PurchaserReference: req.IdentifierFromPurchaser,
		Input:              req.InputData,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment request failed")
		return StartResult{}, fmt.Errorf("create payment request: %w", err)
	}

	now := c.now().UTC()
	job := domain.Job{
		ID:                 jobID,
		Status:             domain.JobStatusAwaitingPayment,
		PaymentStatus:      domain.PaymentStatusPending,
		PaymentReference:   pr.Reference,
		PurchaserReference: req.IdentifierFromPurchaser,
		Input:              maps.Clone(req.InputData),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.Create(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist job failed")
		return StartResult{}, fmt.Errorf("persist job: %w", err)
	}

	if err := c.arm(jobID, pr.Reference); err != nil {
		_ = c.fail(ctx, c.jobLogger(jobID), jobID, domain.JobStatusAwaitingPayment, fmt.Errorf("start payment watch: %w", err), nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start payment watch failed")
		return StartResult{}, fmt.Errorf("start payment watch: %w", err)
	}

	c.metrics.started.Inc()
	c.jobLogger(jobID).WithField("payment_reference", pr.Reference).Info("job created, awaiting payment")
	return StartResult{
		JobID:              jobID,
		PurchaserReference: req.IdentifierFromPurchaser,
		Payment:            pr,
	}, nil
}

// HandlePaymentConfirmed advances an awaiting job to running and drives it to
// a terminal state. Repeated or concurrent calls for the same job are no-ops
// after the first one claims it. A nil error means the outcome was recorded;
// ErrClaim and ErrRecord report the job left in awaiting_payment or running.
func (c *Controller) HandlePaymentConfirmed(ctx context.Context, jobID, paymentReference string) (err error) {
	defer c.watcher.Cancel(jobID)

	log := c.jobLogger(jobID).WithField("payment_reference", paymentReference)
	ctx, span := c.tracer.Start(ctx, "lifecycle.run_job", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	// from tracks the status a failure write must find in the store.
	from := domain.JobStatusAwaitingPayment
	startedAt := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("unexpected panic in job pipeline: %v", r)
			log.WithField("panic", r).Error("job pipeline panicked")
			span.SetStatus(codes.Error, "panic")
			err = c.fail(ctx, log, jobID, from, cause, nil)
		}
	}()

	job, err := c.store.Update(ctx, jobID, store.JobUpdate{
		Status:        domain.JobStatusRunning,
		PaymentStatus: domain.PaymentStatusPaid,
		ExpectStatus:  domain.JobStatusAwaitingPayment,
	})
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		log.WithField("status", job.Status).Info("payment confirmation ignored, job already advanced")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("payment confirmed for unknown job")
		return err
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrClaim, err)
	}
	from = domain.JobStatusRunning
	log.Info("payment confirmed, running analysis")

	c.metrics.running.Inc()
	defer func() {
		c.metrics.running.Dec()
		c.metrics.pipelineDuration.Observe(time.Since(startedAt).Seconds())
	}()

	report, err := c.analyzer.Run(ctx, job.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return c.fail(ctx, log, jobID, from, fmt.Errorf("%w: %v", ErrComputation, err), nil)
	}
	if report == nil {
		report = domain.Report{}
	}

	formatted := format.Report(report)
	submission, err := c.provider.SubmitResult(ctx, job.PaymentReference, formatted)
	if err == nil && !submission.Accepted() {
		err = fmt.Errorf("payment provider rejected result submission: status=%q", submission.Status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result submission failed")
		return c.fail(ctx, log, jobID, from, fmt.Errorf("submit result: %w", err), report)
	}

	if err := c.complete(ctx, log, jobID, report, submission.ResultHash); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record completion failed")
		return err
	}
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// Resume re-arms payment watches for jobs persisted as awaiting payment,
// typically after a restart. Jobs already watched are skipped.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	jobs, err := c.store.List(ctx, domain.JobStatusAwaitingPayment)
	if err != nil {
		return 0, fmt.Errorf("list awaiting jobs: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		log := c.jobLogger(job.ID)
		if job.PaymentReference == "" {
			_ = c.fail(ctx, log, job.ID, domain.JobStatusAwaitingPayment, errors.New("job has no payment reference to watch"), nil)
			continue
		}
		if c.watcher.Watching(job.ID) {
			continue
		}
		if err := c.arm(job.ID, job.PaymentReference); err != nil {
			if errors.Is(err, monitor.ErrAlreadyWatching) {
				continue
			}
			return resumed, fmt.Errorf("resume watch for job %s: %w", job.ID, err)
		}
		resumed++
		log.Info("payment watch resumed")
	}
	return resumed, nil
}

// Close stops accepting confirmations and waits for in-process pipelines.
// When ctx ends first the remaining pipelines are canceled; they still record
// a terminal state before returning.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Controller) arm(jobID, paymentReference string) error {
	return c.watcher.Watch(
		jobID,
		paymentReference,
		func(ref string) { c.onConfirmed(jobID, ref) },
		func(err error) { c.onExpired(jobID, err) },
	)
}

func (c *Controller) onConfirmed(jobID, paymentReference string) {
	log := c.jobLogger(jobID)
	if err := c.dispatch(jobID, paymentReference); err != nil {
		log.WithError(err).Error("dispatch analysis failed")
		_ = c.fail(c.ctx, log, jobID, domain.JobStatusAwaitingPayment, fmt.Errorf("dispatch analysis: %w", err), nil)
	}
}

func (c *Controller) onExpired(jobID string, cause error) {
	_ = c.fail(c.ctx, c.jobLogger(jobID), jobID, domain.JobStatusAwaitingPayment, cause, nil)
}

func (c *Controller) dispatch(jobID, paymentReference string) error {
	if c.dispatcher != nil {
		return c.dispatcher.Dispatch(c.ctx, jobID, paymentReference)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		log := c.jobLogger(jobID)
		err := c.HandlePaymentConfirmed(c.ctx, jobID, paymentReference)
		switch {
		case errors.Is(err, ErrClaim):
			// Nothing else will deliver this confirmation again.
			_ = c.fail(c.ctx, log, jobID, domain.JobStatusAwaitingPayment, err, nil)
		case err != nil:
			log.WithError(err).Error("job pipeline ended without a recorded outcome")
		}
	}()
	return nil
}

func (c *Controller) complete(ctx context.Context, log logrus.FieldLogger, jobID string, report domain.Report, resultHash string) error {
	ctx = context.WithoutCancel(ctx)
	job, err := c.recordTerminal(ctx, log, jobID, store.JobUpdate{
		Status:          domain.JobStatusCompleted,
		PaymentStatus:   domain.PaymentStatusResultSubmitted,
		Result:          report,
		ResultReference: resultHash,
		ExpectStatus:    domain.JobStatusRunning,
	})
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		log.WithField("status", job.Status).Warn("job left running before completion was recorded")
		return nil
	case err != nil:
		// The result is already with the provider; keep it for recovery.
		log.WithError(err).WithField("result_hash", resultHash).Error("record completed job failed")
		c.archive(ctx, log, jobID, report)
		return err
	}

	c.metrics.finished.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
	log.WithField("result_hash", resultHash).Info("job completed")
	c.archive(ctx, log, jobID, report)
	c.notify(ctx, log, EventJobCompleted, job)
	return nil
}

// fail records cause on the job if it is still in status from. Terminal jobs
// are left alone and are not an error.
func (c *Controller) fail(ctx context.Context, log logrus.FieldLogger, jobID string, from domain.JobStatus, cause error, undelivered domain.Report) error {
	ctx = context.WithoutCancel(ctx)
	defer c.watcher.Cancel(jobID)

	message := "unknown error"
	if cause != nil && cause.Error() != "" {
		message = cause.Error()
	}

	job, err := c.recordTerminal(ctx, log, jobID, store.JobUpdate{
		Status:            domain.JobStatusFailed,
		Error:             message,
		UndeliveredResult: undelivered,
		ExpectStatus:      from,
	})
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		log.WithField("status", job.Status).Info("job already left status, failure not recorded")
		return nil
	case err != nil:
		log.WithError(err).WithField("cause", message).Error("record failed job failed")
		if undelivered != nil {
			c.archive(ctx, log, jobID, undelivered)
		}
		return err
	}

	c.metrics.finished.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	log.WithField("error", message).Warn("job failed")
	if undelivered != nil {
		c.archive(ctx, log, jobID, undelivered)
	}
	c.notify(ctx, log, EventJobFailed, job)
	return nil
}

// recordTerminal applies a conditional terminal update, retrying store
// errors with capped backoff. A conflict seen after a failed attempt that
// already shows the target status means that attempt landed.
func (c *Controller) recordTerminal(ctx context.Context, log logrus.FieldLogger, jobID string, update store.JobUpdate) (domain.Job, error) {
	backoff := c.writeBackoff
	var lastErr error
	for attempt := 1; attempt <= c.writeAttempts; attempt++ {
		job, err := c.store.Update(ctx, jobID, update)
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, domain.ErrStatusConflict):
			if lastErr != nil && job.Status == update.Status {
				log.WithField("attempt", attempt).Info("earlier terminal write had landed")
				return job, nil
			}
			return job, err
		case errors.Is(err, domain.ErrNotFound):
			return job, err
		}

		lastErr = err
		if attempt == c.writeAttempts {
			break
		}
		log.WithError(err).WithFields(logrus.Fields{
			"status":  update.Status,
			"attempt": attempt,
			"of":      c.writeAttempts,
		}).Warn("terminal status write failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Job{}, fmt.Errorf("%w: %v", ErrRecord, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxTerminalWriteBackoff)
	}
	return domain.Job{}, fmt.Errorf("%w: %v", ErrRecord, lastErr)
}

func (c *Controller) archive(ctx context.Context, log logrus.FieldLogger, jobID string, report domain.Report) {
	if c.archiver == nil {
		return
	}
	key, err := c.archiver.ArchiveReport(ctx, jobID, report)
	if err != nil {
		log.WithError(err).Warn("archive report failed")
		return
	}
	log.WithField("object_key", key).Debug("report archived")
}

func (c *Controller) notify(ctx context.Context, log logrus.FieldLogger, event string, job domain.Job) {
	if c.webhook == nil || c.webhookURL == "" {
		return
	}
	payload := map[string]any{
		"job_id":                    job.ID,
		"status":                    job.Status,
		"payment_status":            job.PaymentStatus,
		"payment_reference":         job.PaymentReference,
		"identifier_from_purchaser": job.PurchaserReference,
		"updated_at":                job.UpdatedAt,
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if job.ResultReference != "" {
		payload["result_reference"] = job.ResultReference
	}
	if err := c.webhook.Send(ctx, c.webhookURL, event, payload); err != nil {
		log.WithError(err).WithField("event", event).Warn("webhook delivery failed")
	}
}

func (c *Controller) jobLogger(jobID string) logrus.FieldLogger {
	return c.logger.WithField("job_id", jobID)
}

type noopWatcher struct{}

func (noopWatcher) Watch(string, string, monitor.ConfirmFunc, monitor.ExpireFunc) error {
	return errors.New("payment watching is not available in this process")
}

func (noopWatcher) Cancel(string) {}

func (noopWatcher) Watching(string) bool { return false }
