package models

import "time"

// StatusTransition records one lifecycle transition of a job.
type StatusTransition struct {
	ID          string
	JobKey      string
	Index       uint32
	BlockNumber uint64
	At          time.Time
	FromStatus  *JobStatus
	ToStatus    JobStatus
	Reason      string
	MetaJSON    map[string]interface{}
}

// Outcome is a terminal result published for downstream consumers.
type Outcome struct {
	JobKey         string
	Index          uint32
	BlockNumber    uint64
	Requester      string
	Status         JobStatus
	Reason         string
	SchedulerJobID string
	At             time.Time
}
