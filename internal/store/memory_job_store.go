package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, update JobUpdate) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if update.ExpectStatus != "" && job.Status != update.ExpectStatus {
		return job.Clone(), fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, id, job.Status, update.ExpectStatus)
	}

	update.apply(&job)
	job.UpdatedAt = s.now().UTC()
	job = job.Clone()
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) List(_ context.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	return out, nil
}
