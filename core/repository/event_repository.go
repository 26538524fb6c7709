package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"compute-broker/core/models"
)

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetJobEvents retrieves the lifecycle transitions of a job, oldest first
func (r *EventRepository) GetJobEvents(ctx context.Context, jobKey string, index uint32, limit int) ([]models.StatusTransition, error) {
	query := `
		SELECT id, job_key, idx, block_number, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_key = $1 AND idx = $2
		ORDER BY at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, jobKey, int64(index), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StatusTransition
	for rows.Next() {
		var event models.StatusTransition
		var fromStatus sql.NullString
		var metaJSON string
		var idx, block int64

		err := rows.Scan(
			&event.ID,
			&event.JobKey,
			&idx,
			&block,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}
		event.Index = uint32(idx)
		event.BlockNumber = uint64(block)

		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &event.MetaJSON); err != nil {
				return nil, err
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
