package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dunamismax/risklens/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobColumnNames = []string{
	"id", "status", "payment_status", "payment_reference", "purchaser_reference", "input", "result",
	"result_reference", "error", "undelivered_result", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresJobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresJobStoreFromDB(db), mock
}

func jobRow(status domain.JobStatus, result driver.Value) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobColumnNames).AddRow(
		"job-1", string(status), "paid", "ref-1", "purchaser-1",
		[]byte(`{"target":"abc"}`), result, "", "", nil, now, now,
	)
}

func TestPostgresJobStoreCreate(t *testing.T) {
	s, mock := newMockStore(t)
	job := seedJob("job-1")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs("job-1", "awaiting_payment", "pending", "ref-job-1", "purchaser-1",
			`{"target":"abc"}`, nil, "", "", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStoreCreateDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.Create(context.Background(), seedJob("job-1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestPostgresJobStoreGet(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs("job-1").
		WillReturnRows(jobRow(domain.JobStatusCompleted, []byte(`{"score":42}`)))

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "abc", job.Input["target"])
	assert.EqualValues(t, 42, job.Result["score"])
	assert.Nil(t, job.UndeliveredResult)
}

func TestPostgresJobStoreGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresJobStoreUpdate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs("job-1", "running", "paid", nil, "", "", nil, sqlmock.AnyArg(), "awaiting_payment").
		WillReturnRows(jobRow(domain.JobStatusRunning, nil))

	job, err := s.Update(context.Background(), "job-1", JobUpdate{
		Status:        domain.JobStatusRunning,
		PaymentStatus: domain.PaymentStatusPaid,
		ExpectStatus:  domain.JobStatusAwaitingPayment,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Nil(t, job.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStoreUpdateConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs("job-1").
		WillReturnRows(jobRow(domain.JobStatusCompleted, []byte(`{"score":42}`)))

	current, err := s.Update(context.Background(), "job-1", JobUpdate{
		Status:       domain.JobStatusFailed,
		Error:        "late failure",
		ExpectStatus: domain.JobStatusRunning,
	})
	require.ErrorIs(t, err, domain.ErrStatusConflict)
	assert.Equal(t, domain.JobStatusCompleted, current.Status)
}

func TestPostgresJobStoreUpdateNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := s.Update(context.Background(), "missing", JobUpdate{PaymentStatus: "paid"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresJobStoreList(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs("running").
		WillReturnRows(jobRow(domain.JobStatusRunning, nil))

	jobs, err := s.List(context.Background(), domain.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
}
