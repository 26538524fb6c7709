package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"compute-broker/core/models"

	"github.com/google/uuid"
)

// DispatchRepository handles database operations for scheduler submissions
type DispatchRepository struct {
	db *DB
}

// NewDispatchRepository creates a new dispatch repository
func NewDispatchRepository(db *DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

const dispatchColumns = `id, job_key, idx, block_number, scheduler_job_id, time_limit, attempts, status, created_at, updated_at`

// GetDispatch returns the record for one job event, or nil if it was never submitted.
func (r *DispatchRepository) GetDispatch(ctx context.Context, jobKey string, index uint32, blockNumber uint64) (*models.DispatchRecord, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatch_records WHERE job_key = $1 AND idx = $2 AND block_number = $3`

	rec, err := scanDispatch(r.db.QueryRowContext(ctx, query, jobKey, int64(index), int64(blockNumber)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// SaveDispatch inserts or updates the record keyed by (job key, index, block).
func (r *DispatchRepository) SaveDispatch(ctx context.Context, rec *models.DispatchRecord) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO dispatch_records (` + dispatchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_key, idx, block_number) DO UPDATE SET
			scheduler_job_id = excluded.scheduler_job_id,
			time_limit = excluded.time_limit,
			attempts = excluded.attempts,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.JobKey,
		int64(rec.Index),
		int64(rec.BlockNumber),
		rec.SchedulerJobID,
		rec.TimeLimit,
		rec.Attempts,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving dispatch %s/%d: %w", rec.JobKey, rec.Index, err)
	}
	return nil
}

// ListDispatches returns recent records, optionally for one job key
func (r *DispatchRepository) ListDispatches(ctx context.Context, jobKey string, limit int) ([]models.DispatchRecord, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatch_records`
	args := []interface{}{}
	argIndex := 1

	if jobKey != "" {
		query += fmt.Sprintf(" WHERE job_key = $%d", argIndex)
		args = append(args, jobKey)
		argIndex++
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ListSubmitted returns submitted records that have not yet been reported as running.
func (r *DispatchRepository) ListSubmitted(ctx context.Context, limit int) ([]models.DispatchRecord, error) {
	query := `SELECT d.id, d.job_key, d.idx, d.block_number, d.scheduler_job_id, d.time_limit, d.attempts, d.status, d.created_at, d.updated_at
		FROM dispatch_records d
		JOIN jobs j ON j.job_key = d.job_key AND j.idx = d.idx
		WHERE d.status = $1 AND j.status = $2
		ORDER BY d.created_at ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, models.DispatchStatusSubmitted, models.JobStatusDispatched, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanDispatch(row rowScanner) (*models.DispatchRecord, error) {
	var rec models.DispatchRecord
	var index, block int64
	err := row.Scan(
		&rec.ID,
		&rec.JobKey,
		&index,
		&block,
		&rec.SchedulerJobID,
		&rec.TimeLimit,
		&rec.Attempts,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Index = uint32(index)
	rec.BlockNumber = uint64(block)
	return &rec, nil
}
