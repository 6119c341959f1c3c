package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/risklens/internal/domain"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	payment_status TEXT NOT NULL DEFAULT '',
	payment_reference TEXT NOT NULL DEFAULT '',
	purchaser_reference TEXT NOT NULL DEFAULT '',
	input JSONB NOT NULL,
	result JSONB,
	result_reference TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	undelivered_result JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_payment_reference_idx ON jobs (payment_reference);
`

const jobColumns = `id, status, payment_status, payment_reference, purchaser_reference, input, result,
	result_reference, error, undelivered_result, created_at, updated_at`

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresJobStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresJobStoreFromDB wraps an already open handle. The schema is not
// touched.
func NewPostgresJobStoreFromDB(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db, now: time.Now}
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal job input: %w", err)
	}
	resultJSON, err := nullableJSON(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	undeliveredJSON, err := nullableJSON(job.UndeliveredResult)
	if err != nil {
		return fmt.Errorf("marshal undelivered result: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10::jsonb, $11, $12)`,
		job.ID,
		string(job.Status),
		job.PaymentStatus,
		job.PaymentReference,
		job.PurchaserReference,
		string(inputJSON),
		resultJSON,
		job.ResultReference,
		job.Error,
		undeliveredJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE id = $1`,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// Update applies the partial merge in a single statement so readers never see
// half of it. Empty strings and NULL JSON leave the column unchanged.
func (s *PostgresJobStore) Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error) {
	resultJSON, err := nullableJSON(update.Result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job result: %w", err)
	}
	undeliveredJSON, err := nullableJSON(update.UndeliveredResult)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal undelivered result: %w", err)
	}

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = COALESCE(NULLIF($2, ''), status),
		     payment_status = COALESCE(NULLIF($3, ''), payment_status),
		     result = COALESCE($4::jsonb, result),
		     result_reference = COALESCE(NULLIF($5, ''), result_reference),
		     error = COALESCE(NULLIF($6, ''), error),
		     undelivered_result = COALESCE($7::jsonb, undelivered_result),
		     updated_at = $8
		 WHERE id = $1 AND ($9 = '' OR status = $9)
		 RETURNING `+jobColumns,
		id,
		string(update.Status),
		update.PaymentStatus,
		resultJSON,
		update.ResultReference,
		update.Error,
		undeliveredJSON,
		s.now().UTC(),
		string(update.ExpectStatus),
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	// No row matched: either the job is gone or the precondition failed.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	return current, fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, id, current.Status, update.ExpectStatus)
}

func (s *PostgresJobStore) List(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job             domain.Job
		status          string
		inputJSON       []byte
		resultJSON      []byte
		undeliveredJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.PaymentStatus,
		&job.PaymentReference,
		&job.PurchaserReference,
		&inputJSON,
		&resultJSON,
		&job.ResultReference,
		&job.Error,
		&undeliveredJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)

	if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job input: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
	}
	if len(undeliveredJSON) > 0 {
		if err := json.Unmarshal(undeliveredJSON, &job.UndeliveredResult); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal undelivered result: %w", err)
		}
	}
	return job, nil
}

// nullableJSON returns an untyped nil for a nil report so the driver sends
// SQL NULL.
func nullableJSON(report domain.Report) (any, error) {
	if report == nil {
		return nil, nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}
