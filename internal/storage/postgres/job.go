package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"rentfeed/internal/domain"
)

type JobStore struct {
	db *sqlx.DB
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

type jobRow struct {
	ID          uuid.UUID  `db:"id"`
	Type        string     `db:"type"`
	Key         string     `db:"key"`
	Payload     []byte     `db:"payload"`
	Result      []byte     `db:"result"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	LastError   *string    `db:"last_error"`
	RunAfter    time.Time  `db:"run_after"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r jobRow) toDomain() domain.ParseJob {
	return domain.ParseJob{
		ID:          r.ID,
		Type:        domain.JobType(r.Type),
		Key:         r.Key,
		Payload:     json.RawMessage(r.Payload),
		Result:      json.RawMessage(r.Result),
		Status:      domain.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		RunAfter:    r.RunAfter,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const jobColumns = `id, type, key, payload, result, status, attempts, max_attempts, last_error, run_after, started_at, completed_at, created_at, updated_at`

// Enqueue creates a job unless a live (pending or processing) job with the
// same (type, key) already exists. Returns whether a row was inserted.
// Relies on a partial unique index over live jobs.
func (s *JobStore) Enqueue(ctx context.Context, job *domain.ParseJob) (bool, error) {
	query := `
		INSERT INTO parse_jobs (id, type, key, payload, status, attempts, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6)
		ON CONFLICT (type, key) WHERE status IN ('pending', 'processing') DO NOTHING`

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		job.Key,
		payload,
		job.MaxAttempts,
		job.RunAfter,
	)
	if err != nil {
		return false, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// ClaimDue atomically moves up to limit due PENDING jobs to PROCESSING and
// returns them. SKIP LOCKED keeps concurrent claimers from fighting over
// the same rows.
func (s *JobStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.ParseJob, error) {
	query := `
		UPDATE parse_jobs SET
			status = 'processing',
			started_at = $2,
			updated_at = $2
		WHERE id IN (
			SELECT id FROM parse_jobs
			WHERE status = 'pending' AND run_after <= $2
			ORDER BY run_after
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, limit, now); err != nil {
		return nil, err
	}

	jobs := make([]domain.ParseJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	return jobs, nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, now time.Time) error {
	res := []byte(result)
	if len(res) == 0 {
		res = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE parse_jobs SET
			status = 'completed',
			result = $2,
			completed_at = $3,
			updated_at = $3
		WHERE id = $1`,
		id, res, now,
	)
	return err
}

// MarkFailed records a terminal failure: the status stays failed, the last
// error is retained for diagnostics and the job is never picked up again.
func (s *JobStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE parse_jobs SET
			status = 'failed',
			attempts = $2,
			last_error = $3,
			completed_at = $4,
			updated_at = $4
		WHERE id = $1`,
		id, attempts, lastError, now,
	)
	return err
}

// Reschedule sends a transiently failed job back to PENDING with its next
// run time pushed out by the controller's backoff.
func (s *JobStore) Reschedule(ctx context.Context, id uuid.UUID, attempts int, lastError string, runAfter, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE parse_jobs SET
			status = 'pending',
			attempts = $2,
			last_error = $3,
			run_after = $4,
			started_at = NULL,
			updated_at = $5
		WHERE id = $1`,
		id, attempts, lastError, runAfter, now,
	)
	return err
}

// ReleaseStale reverts PROCESSING jobs whose worker presumably died back
// to PENDING so no job is lost. Attempts are left untouched: a crash is
// not the handler's fault.
func (s *JobStore) ReleaseStale(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE parse_jobs SET
			status = 'pending',
			started_at = NULL,
			run_after = $2,
			updated_at = $2
		WHERE status = 'processing' AND started_at < $1`,
		startedBefore, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
