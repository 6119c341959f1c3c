package store

import (
	"context"

	"github.com/dunamismax/risklens/internal/domain"
)

// JobStore is the durable record of every job. Implementations apply each
// call atomically; the lifecycle rules themselves live in the controller.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error)
	List(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
}

// JobUpdate is a partial merge. Zero-valued fields are left untouched, so a
// field can be set but never cleared.
type JobUpdate struct {
	Status            domain.JobStatus
	PaymentStatus     string
	Result            domain.Report
	ResultReference   string
	Error             string
	UndeliveredResult domain.Report

	// ExpectStatus, when set, makes the update conditional on the stored
	// status. A mismatch fails with domain.ErrStatusConflict.
	ExpectStatus domain.JobStatus
}

func (u JobUpdate) apply(job *domain.Job) {
	if u.Status != "" {
		job.Status = u.Status
	}
	if u.PaymentStatus != "" {
		job.PaymentStatus = u.PaymentStatus
	}
	if u.Result != nil {
		job.Result = u.Result
	}
	if u.ResultReference != "" {
		job.ResultReference = u.ResultReference
	}
	if u.Error != "" {
		job.Error = u.Error
	}
	if u.UndeliveredResult != nil {
		job.UndeliveredResult = u.UndeliveredResult
	}
}
