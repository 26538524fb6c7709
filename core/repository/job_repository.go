package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"compute-broker/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for job events and their
// lifecycle history.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob records a newly observed job event. Seeing the same (key, index)
// again only updates its block number and resets its status.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = models.JobStatusReceived
	}

	query := `
		INSERT INTO jobs (job_key, idx, block_number, requester, storage_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_key, idx) DO UPDATE SET
			block_number = excluded.block_number,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		job.JobKey,
		int64(job.Index),
		int64(job.BlockNumber),
		job.Requester,
		job.StorageID.String(),
		job.Status,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	job.CreatedAt = now
	job.UpdatedAt = now

	err = r.createJobEventTx(ctx, tx, job.JobKey, job.Index, job.BlockNumber, nil, job.Status, "job_observed", nil)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob retrieves a job by key and index
func (r *JobRepository) GetJob(ctx context.Context, jobKey string, index uint32) (*models.Job, error) {
	query := `
		SELECT job_key, idx, block_number, requester, storage_id, status, created_at, updated_at
		FROM jobs
		WHERE job_key = $1 AND idx = $2
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobKey, int64(index)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var index, block int64
	var storageID string
	err := row.Scan(
		&job.JobKey,
		&index,
		&block,
		&job.Requester,
		&storageID,
		&job.Status,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Index = uint32(index)
	job.BlockNumber = uint64(block)
	job.StorageID = models.ParseStorageID(storageID)
	return &job, nil
}

// UpdateJobStatus updates job status atomically with event logging
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobKey string, index uint32, blockNumber uint64, fromStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updateQuery := `UPDATE jobs SET status = $1, updated_at = $2 WHERE job_key = $3 AND idx = $4`
	res, err := tx.ExecContext(ctx, updateQuery, toStatus, time.Now().UTC(), jobKey, int64(index))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s/%d: %w", jobKey, index, ErrNotFound)
	}

	err = r.createJobEventTx(ctx, tx, jobKey, index, blockNumber, &fromStatus, toStatus, reason, meta)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *JobRepository) createJobEventTx(ctx context.Context, tx *sql.Tx, jobKey string, index uint32, blockNumber uint64, fromStatus *models.JobStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO job_events (id, job_key, idx, block_number, from_status, to_status, reason, meta_json, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	metaJSON := []byte("{}")
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding event meta: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, query,
		uuid.NewString(),
		jobKey,
		int64(index),
		int64(blockNumber),
		fromStatusStr,
		toStatus,
		reason,
		string(metaJSON),
		time.Now().UTC(),
	)
	return err
}

// ListJobs lists the most recently updated jobs, optionally by status
func (r *JobRepository) ListJobs(ctx context.Context, status *models.JobStatus, limit int) ([]*models.Job, error) {
	query := `
		SELECT job_key, idx, block_number, requester, storage_id, status, created_at, updated_at
		FROM jobs
	`
	args := []interface{}{}
	argIndex := 1

	if status != nil {
		query += fmt.Sprintf(" WHERE status = $%d", argIndex)
		args = append(args, *status)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
