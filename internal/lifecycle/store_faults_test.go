package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/dunamismax/risklens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errStoreDown = errors.New("connection reset by peer")

// faultyStore fails updates that target a given status. With applyFirst the
// write lands before the error is returned, like a commit whose reply is lost.
type faultyStore struct {
	*store.MemoryJobStore

	mu         sync.Mutex
	failures   map[domain.JobStatus]int
	attempts   map[domain.JobStatus]int
	applyFirst bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryJobStore: store.NewMemoryJobStore(),
		failures:       map[domain.JobStatus]int{},
		attempts:       map[domain.JobStatus]int{},
	}
}

// failNext fails the next n updates to status; a negative n fails all of them.
func (s *faultyStore) failNext(status domain.JobStatus, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[status] = n
}

func (s *faultyStore) attemptsFor(status domain.JobStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[status]
}

func (s *faultyStore) Update(ctx context.Context, id string, update store.JobUpdate) (domain.Job, error) {
	s.mu.Lock()
	s.attempts[update.Status]++
	remaining := s.failures[update.Status]
	if remaining > 0 {
		s.failures[update.Status] = remaining - 1
	}
	s.mu.Unlock()

	if remaining == 0 {
		return s.MemoryJobStore.Update(ctx, id, update)
	}
	if s.applyFirst {
		if _, err := s.MemoryJobStore.Update(ctx, id, update); err != nil {
			return domain.Job{}, err
		}
	}
	return domain.Job{}, errStoreDown
}

const testWriteAttempts = 3

func newFaultyHarness(t *testing.T, analyzer *fakeAnalyzer) (*harness, *faultyStore) {
	t.Helper()
	faulty := newFaultyStore()
	h := &harness{
		store:    faulty.MemoryJobStore,
		provider: payment.NewMockProvider(gomock.NewController(t)),
		analyzer: analyzer,
		watcher:  newFakeWatcher(),
		archiver: &captureArchiver{},
		webhook:  &captureWebhook{},
	}
	h.ctrl = New(faulty, h.provider, h.analyzer, h.watcher, Options{
		Logger:                quietLogger(),
		Archiver:              h.archiver,
		Webhook:               h.webhook,
		WebhookURL:            "http://hooks.test/risklens",
		TerminalWriteAttempts: testWriteAttempts,
		TerminalWriteBackoff:  time.Millisecond,
	})
	t.Cleanup(func() {
		_ = h.ctrl.Close(context.Background())
	})
	return h, faulty
}

func expectSubmitted(h *harness, reference string) {
	h.provider.EXPECT().
		SubmitResult(gomock.Any(), reference, gomock.Any()).
		Return(payment.Submission{Status: "success", ResultHash: "hash-1"}, nil).
		Times(1)
}

func TestCompletionWriteRetriedAfterStoreError(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{report: domain.Report{"score": 42}})
	jobID := h.start(t, "ref-1")
	expectSubmitted(h, "ref-1")
	faulty.failNext(domain.JobStatusCompleted, 1)

	require.NoError(t, h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1"))

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "hash-1", job.ResultReference)
	assert.Equal(t, 2, faulty.attemptsFor(domain.JobStatusCompleted))
	assert.Equal(t, []string{EventJobCompleted}, h.webhook.Events())
}

func TestFailureWriteRetriedAfterStoreError(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{err: errors.New("crew crashed")})
	jobID := h.start(t, "ref-1")
	faulty.failNext(domain.JobStatusFailed, 1)

	require.NoError(t, h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1"))

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "crew crashed")
	assert.Equal(t, 2, faulty.attemptsFor(domain.JobStatusFailed))
	assert.Equal(t, []string{EventJobFailed}, h.webhook.Events())
}

func TestUnrecordableCompletionIsReported(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{report: domain.Report{"score": 42}})
	jobID := h.start(t, "ref-1")
	expectSubmitted(h, "ref-1")
	faulty.failNext(domain.JobStatusCompleted, -1)

	err := h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1")
	require.ErrorIs(t, err, ErrRecord)
	assert.ErrorContains(t, err, errStoreDown.Error())

	job := h.job(t, jobID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, testWriteAttempts, faulty.attemptsFor(domain.JobStatusCompleted))
	assert.Empty(t, h.webhook.Events())

	archived, ok := h.archiver.get(jobID)
	require.True(t, ok, "delivered report must be archived for recovery")
	assert.Equal(t, domain.Report{"score": 42}, archived)
}

func TestUnrecordableFailureIsReported(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{err: errors.New("crew crashed")})
	jobID := h.start(t, "ref-1")
	faulty.failNext(domain.JobStatusFailed, -1)

	err := h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1")
	require.ErrorIs(t, err, ErrRecord)
	assert.Equal(t, domain.JobStatusRunning, h.job(t, jobID).Status)
	assert.Empty(t, h.webhook.Events())
}

func TestLandedWriteWithLostReplyCountsOnce(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{report: domain.Report{"score": 42}})
	jobID := h.start(t, "ref-1")
	expectSubmitted(h, "ref-1")
	faulty.applyFirst = true
	faulty.failNext(domain.JobStatusCompleted, 1)

	require.NoError(t, h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1"))

	assert.Equal(t, domain.JobStatusCompleted, h.job(t, jobID).Status)
	assert.Equal(t, 2, faulty.attemptsFor(domain.JobStatusCompleted))
	assert.Equal(t, []string{EventJobCompleted}, h.webhook.Events())
}

func TestInlineClaimFailureFailsJob(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{})
	jobID := h.start(t, "ref-1")
	faulty.failNext(domain.JobStatusRunning, 1)

	h.watcher.confirm(t, jobID)

	job := h.waitForStatus(t, jobID, domain.JobStatusFailed)
	assert.Contains(t, job.Error, ErrClaim.Error())
	assert.Contains(t, job.Error, errStoreDown.Error())
	assert.Zero(t, h.analyzer.calls.Load())
	assert.False(t, h.watcher.Watching(jobID))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{EventJobFailed}, h.webhook.Events())
	}, time.Second, 5*time.Millisecond)
}

func TestClaimStoreErrorLeavesJobAwaiting(t *testing.T) {
	h, faulty := newFaultyHarness(t, &fakeAnalyzer{})
	jobID := h.start(t, "ref-1")
	faulty.failNext(domain.JobStatusRunning, 1)

	err := h.ctrl.HandlePaymentConfirmed(context.Background(), jobID, "ref-1")
	require.ErrorIs(t, err, ErrClaim)
	assert.Equal(t, domain.JobStatusAwaitingPayment, h.job(t, jobID).Status)
	assert.Zero(t, h.analyzer.calls.Load())
}
