// Package status answers "where is job X". It reads the store and, while a
// payment watch is live, refreshes the stored payment status from the
// provider on the way out.
package status

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/dunamismax/risklens/internal/format"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/dunamismax/risklens/internal/store"
	"github.com/sirupsen/logrus"
)

type StatusPoller interface {
	PollStatus(ctx context.Context, reference string) (string, error)
}

type WatchChecker interface {
	Watching(jobID string) bool
}

type Result struct {
	JobID         string
	Status        domain.JobStatus
	PaymentStatus string
	// Result is the formatted report, present only for completed jobs.
	Result *string
	Error  string
}

type Service struct {
	store   store.JobStore
	poller  StatusPoller
	watches WatchChecker
	logger  logrus.FieldLogger
}

// NewService builds a Service. With a nil poller or watches the stored
// payment status is returned as is.
func NewService(jobStore store.JobStore, poller StatusPoller, watches WatchChecker, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:   jobStore,
		poller:  poller,
		watches: watches,
		logger:  logger,
	}
}

// Status returns the job's current view. A provider failure during the refresh
// is reported through PaymentStatus, never as an error.
func (s *Service) Status(ctx context.Context, jobID string) (Result, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	if !job.Status.Terminal() && s.poller != nil && s.watches != nil && s.watches.Watching(jobID) {
		job = s.refresh(ctx, job)
	}

	res := Result{
		JobID:         job.ID,
		Status:        job.Status,
		PaymentStatus: job.PaymentStatus,
		Error:         job.Error,
	}
	if job.Status == domain.JobStatusCompleted && job.Result != nil {
		formatted := format.Report(job.Result)
		res.Result = &formatted
	}
	return res, nil
}

func (s *Service) refresh(ctx context.Context, job domain.Job) domain.Job {
	log := s.logger.WithFields(logrus.Fields{
		"job_id":            job.ID,
		"payment_reference": job.PaymentReference,
	})

	observed, err := s.poller.PollStatus(ctx, job.PaymentReference)
	switch {
	case err != nil:
		log.WithError(err).Warn("payment status refresh failed")
		observed = domain.PaymentStatusError
	case strings.TrimSpace(observed) == "":
		observed = domain.PaymentStatusUnknown
	}
	if payment.IsConfirmed(observed) {
		// The controller records "paid" itself when it claims the job.
		observed = domain.PaymentStatusPaid
	}
	if observed == job.PaymentStatus {
		return job
	}

	updated, err := s.store.Update(ctx, job.ID, store.JobUpdate{
		PaymentStatus: observed,
		ExpectStatus:  job.Status,
	})
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		// The job moved on while we polled; report what the store holds now.
		return updated
	case err != nil:
		log.WithError(err).Warn("persist refreshed payment status failed")
		job.PaymentStatus = observed
		return job
	}
	return updated
}
