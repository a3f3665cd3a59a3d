package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omnistudio/backend/internal/db"
	"github.com/omnistudio/backend/internal/models"
)

const jobColumns = `uuid, user_id, kind, model, prompt, state, progress, result_url, archive_url, error, created_at, updated_at`

// PostgresJobRepository provides PostgreSQL-backed persistence for generation jobs.
type PostgresJobRepository struct {
	pool db.Pool
}

// NewPostgresJobRepository constructs a job repository backed by PostgreSQL.
func NewPostgresJobRepository(pool db.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{pool: pool}
}

// Create stores a newly submitted job.
func (r *PostgresJobRepository) Create(ctx context.Context, job models.JobRecord) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	state := job.State
	if state == "" {
		state = models.JobSubmitted
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO generation_jobs (uuid, user_id, kind, model, prompt, state, progress, result_url, archive_url, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, job.UUID, job.UserID, string(job.Kind), job.Model, job.Prompt, string(state), job.Progress,
		job.ResultURL, job.ArchiveURL, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if mapped := mapPgError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert generation job: %w", err)
	}

	return nil
}

// Find loads a job by its remote UUID.
func (r *PostgresJobRepository) Find(ctx context.Context, uuid string) (models.JobRecord, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	job, err := scanJob(conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE uuid = $1`, uuid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, ErrNotFound
		}
		return models.JobRecord{}, fmt.Errorf("select generation job: %w", err)
	}
	return job, nil
}

// ListForUser returns a user's most recent jobs.
func (r *PostgresJobRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.JobRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+jobColumns+`
        FROM generation_jobs
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query generation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation jobs: %w", err)
	}

	return jobs, nil
}

// ListActive returns every job that is still being polled, oldest first.
func (r *PostgresJobRepository) ListActive(ctx context.Context) ([]models.JobRecord, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+jobColumns+`
        FROM generation_jobs
        WHERE state = ANY($1)
        ORDER BY created_at ASC
    `, []string{string(models.JobSubmitted), string(models.JobProcessing), string(models.JobBackingOff)})
	if err != nil {
		return nil, fmt.Errorf("query active generation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active generation jobs: %w", err)
	}

	return jobs, nil
}

// UpdateState records the latest poll outcome for a job.
func (r *PostgresJobRepository) UpdateState(ctx context.Context, uuid string, state models.JobState, progress int, resultURL, errMsg string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE generation_jobs
        SET state = $2, progress = $3, result_url = $4, error = $5, updated_at = $6
        WHERE uuid = $1
    `, uuid, string(state), progress, resultURL, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update generation job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkArchived stores the archive location of a completed job's output.
func (r *PostgresJobRepository) MarkArchived(ctx context.Context, uuid, archiveURL string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE generation_jobs
        SET archive_url = $2, updated_at = $3
        WHERE uuid = $1
    `, uuid, archiveURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update generation job archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var (
		job   models.JobRecord
		kind  string
		state string
	)
	err := row.Scan(&job.UUID, &job.UserID, &kind, &job.Model, &job.Prompt, &state, &job.Progress,
		&job.ResultURL, &job.ArchiveURL, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.JobRecord{}, err
	}
	job.Kind = models.GenerationKind(kind)
	job.State = models.JobState(state)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

var _ JobRepository = (*PostgresJobRepository)(nil)
