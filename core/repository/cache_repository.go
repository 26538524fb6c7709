package repository

import (
	"context"
	"time"

	"compute-broker/core/models"
)

// CacheRepository keeps an index of verified cache content
type CacheRepository struct {
	db *DB
}

// NewCacheRepository creates a new cache repository
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// RecordCacheEntry upserts the location of verified content.
func (r *CacheRepository) RecordCacheEntry(ctx context.Context, entry models.CacheEntry) error {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO cache_entries (hash, tier, representation, path, verified, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash, tier) DO UPDATE SET
			representation = excluded.representation,
			path = excluded.path,
			verified = excluded.verified,
			recorded_at = excluded.recorded_at
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.Hash,
		entry.Tier.String(),
		entry.Representation,
		entry.Path,
		entry.Verified,
		recordedAt,
	)
	return err
}

// GetCacheEntries retrieves the known locations of a hash across tiers
func (r *CacheRepository) GetCacheEntries(ctx context.Context, hash string) ([]models.CacheEntry, error) {
	query := `
		SELECT hash, tier, representation, path, verified, recorded_at
		FROM cache_entries
		WHERE hash = $1
		ORDER BY tier
	`

	rows, err := r.db.QueryContext(ctx, query, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var entry models.CacheEntry
		var tier string
		err := rows.Scan(
			&entry.Hash,
			&tier,
			&entry.Representation,
			&entry.Path,
			&entry.Verified,
			&entry.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.Tier, err = models.ParseCacheType(tier)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
