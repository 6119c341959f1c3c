package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunAnalysis = "analysis:run"

// RunAnalysisPayload tells a worker that a job's payment settled.
type RunAnalysisPayload struct {
	JobID            string    `json:"job_id"`
	PaymentReference string    `json:"payment_reference"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

func (p RunAnalysisPayload) validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(p.PaymentReference) == "" {
		return errors.New("payment_reference is required")
	}
	return nil
}

func NewRunAnalysisTask(payload RunAnalysisPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("invalid run analysis payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run analysis payload: %w", err)
	}
	return asynq.NewTask(TypeRunAnalysis, body), nil
}

func ParseRunAnalysisPayload(task *asynq.Task) (RunAnalysisPayload, error) {
	var payload RunAnalysisPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunAnalysisPayload{}, fmt.Errorf("unmarshal run analysis payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return RunAnalysisPayload{}, fmt.Errorf("invalid run analysis payload: %w", err)
	}
	return payload, nil
}
