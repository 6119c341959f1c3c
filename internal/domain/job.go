package domain

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusAwaitingPayment JobStatus = "awaiting_payment"
	JobStatusRunning         JobStatus = "running"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusAwaitingPayment, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, raw)
	}
	return status, nil
}

// Payment status values recorded by the service itself. Anything else stored
// in Job.PaymentStatus is a raw state string reported by the provider.
const (
	PaymentStatusPending         = "pending"
	PaymentStatusPaid            = "paid"
	PaymentStatusResultSubmitted = "result_submitted"
	PaymentStatusError           = "error"
	PaymentStatusUnknown         = "unknown"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyExists  = errors.New("job already exists")
	ErrStatusConflict = errors.New("job status precondition failed")
	ErrValidation     = errors.New("invalid request")
)

// Report is the structured output of the analysis computation.
type Report map[string]any

type Job struct {
	ID                 string
	Status             JobStatus
	PaymentStatus      string
	PaymentReference   string
	PurchaserReference string
	Input              map[string]string
	Result             Report
	ResultReference    string
	Error              string
	// UndeliveredResult keeps a computed report whose submission to the
	// provider failed. Only set on failed jobs.
	UndeliveredResult Report
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a copy of j that shares no maps with it.
func (j Job) Clone() Job {
	j.Input = maps.Clone(j.Input)
	j.Result = cloneReport(j.Result)
	j.UndeliveredResult = cloneReport(j.UndeliveredResult)
	return j
}

func cloneReport(r Report) Report {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

type StartJobRequest struct {
	IdentifierFromPurchaser string            `json:"identifier_from_purchaser"`
	InputData               map[string]string `json:"input_data"`
}

func (r StartJobRequest) Validate() error {
	if strings.TrimSpace(r.IdentifierFromPurchaser) == "" {
		return fmt.Errorf("%w: identifier_from_purchaser is required", ErrValidation)
	}
	if len(r.InputData) == 0 {
		return fmt.Errorf("%w: input_data must contain at least one field", ErrValidation)
	}
	for key, value := range r.InputData {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: input_data contains an empty key", ErrValidation)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: input_data.%s is required", ErrValidation, key)
		}
	}
	return nil
}
