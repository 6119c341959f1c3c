package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(id string) domain.Job {
	now := time.Now().UTC()
	return domain.Job{
		ID:                 id,
		Status:             domain.JobStatusAwaitingPayment,
		PaymentStatus:      domain.PaymentStatusPending,
		PaymentReference:   "ref-" + id,
		PurchaserReference: "purchaser-1",
		Input:              map[string]string{"target": "abc"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestMemoryJobStoreCreateRejectsDuplicate(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, seedJob("job-1")))
	err := s.Create(ctx, seedJob("job-1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestMemoryJobStoreGetUnknown(t *testing.T) {
	_, err := NewMemoryJobStore().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryJobStoreUpdateMergesFields(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, seedJob("job-1")))

	updated, err := s.Update(ctx, "job-1", JobUpdate{
		Status:        domain.JobStatusRunning,
		PaymentStatus: domain.PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, updated.Status)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	assert.Equal(t, "ref-job-1", updated.PaymentReference)
	assert.Equal(t, "abc", updated.Input["target"])

	updated, err = s.Update(ctx, "job-1", JobUpdate{
		Status:          domain.JobStatusCompleted,
		Result:          domain.Report{"score": 42},
		ResultReference: "hash-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	assert.Equal(t, 42, updated.Result["score"])
	assert.Equal(t, "hash-1", updated.ResultReference)
}

func TestMemoryJobStoreUpdateUnknown(t *testing.T) {
	_, err := NewMemoryJobStore().Update(context.Background(), "missing", JobUpdate{PaymentStatus: "paid"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryJobStoreUpdateExpectStatus(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, seedJob("job-1")))

	current, err := s.Update(ctx, "job-1", JobUpdate{
		Status:       domain.JobStatusCompleted,
		ExpectStatus: domain.JobStatusRunning,
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)
	assert.Equal(t, domain.JobStatusAwaitingPayment, current.Status)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusAwaitingPayment, got.Status)
}

func TestMemoryJobStoreReturnsCopies(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	job := seedJob("job-1")
	require.NoError(t, s.Create(ctx, job))

	job.Input["target"] = "mutated-after-create"
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	got.Input["target"] = "mutated-after-get"

	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", again.Input["target"])
}

func TestMemoryJobStoreListFiltersByStatus(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, seedJob(fmt.Sprintf("job-%d", i))))
	}
	_, err := s.Update(ctx, "job-1", JobUpdate{Status: domain.JobStatusRunning})
	require.NoError(t, err)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := s.List(ctx, domain.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "job-1", running[0].ID)
}

func TestMemoryJobStoreConcurrentConditionalUpdates(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, seedJob("job-1")))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "job-1", JobUpdate{
				Status:       domain.JobStatusRunning,
				ExpectStatus: domain.JobStatusAwaitingPayment,
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
