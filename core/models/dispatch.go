package models

import "time"

// Representation is the on-disk form of cached content.
type Representation string

const (
	RepresentationFolder  Representation = "folder"
	RepresentationArchive Representation = "archive"
)

// CacheEntry describes verified content found in the local cache.
type CacheEntry struct {
	Hash           string
	Tier           CacheType
	Representation Representation
	Path           string
	Verified       bool
	RecordedAt     time.Time
}

// DispatchStatus is the state of a scheduler submission.
type DispatchStatus string

const (
	DispatchStatusPending   DispatchStatus = "pending"
	DispatchStatusSubmitted DispatchStatus = "submitted"
	DispatchStatusFatal     DispatchStatus = "fatal"
)

// DispatchRecord tracks the submission of one job event to the scheduler.
// It is keyed by (JobKey, Index, BlockNumber).
type DispatchRecord struct {
	ID             string
	JobKey         string
	Index          uint32
	BlockNumber    uint64
	SchedulerJobID string
	TimeLimit      string
	Attempts       int
	Status         DispatchStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
