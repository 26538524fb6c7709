package models

import "time"

// JobEvent is a job submission record read from the ledger. It is never
// mutated after decoding and is identified by (JobKey, Index).
type JobEvent struct {
	BlockNumber     uint64
	TxIndex         uint
	LogIndex        uint
	Provider        string
	Requester       string
	JobKey          string
	Index           uint32
	Cores           []uint64
	RunTimes        []uint64 // minutes
	StorageIDs      []StorageID
	CacheTypes      []CacheType
	ContentHashes   []string
	StorageHours    []uint64
	DataTransferIns []uint64
	DataTransferOut uint64
	PriceSetBlocks  []uint64
	Description     string
}

// StorageID returns the backend holding the job's source code folder.
func (e JobEvent) StorageID() StorageID {
	if len(e.StorageIDs) == 0 {
		return StorageIPFS
	}
	return e.StorageIDs[0]
}

// StorageIDAt returns the backend for the i-th content hash. Jobs that
// declare a single backend use it for every folder.
func (e JobEvent) StorageIDAt(i int) StorageID {
	if i < len(e.StorageIDs) {
		return e.StorageIDs[i]
	}
	return e.StorageID()
}

// CacheTypeAt returns the cache tier hint for the i-th content hash.
func (e JobEvent) CacheTypeAt(i int) CacheType {
	if i < len(e.CacheTypes) {
		return e.CacheTypes[i]
	}
	return CacheTypePrivate
}

// JobStatus is the local lifecycle state of a job event.
type JobStatus string

const (
	JobStatusReceived   JobStatus = "received"
	JobStatusValidated  JobStatus = "validated"
	JobStatusFetching   JobStatus = "fetching"
	JobStatusCached     JobStatus = "cached"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusRunning    JobStatus = "running"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRefunded   JobStatus = "refunded"
	JobStatusRejected   JobStatus = "rejected"
	JobStatusLeftQueue  JobStatus = "left_queue"
)

// IsTerminal reports whether no further transitions are driven locally.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDispatched, JobStatusRunning, JobStatusFailed, JobStatusRefunded, JobStatusRejected, JobStatusLeftQueue:
		return true
	}
	return false
}

// Job is the broker's local record of a job event and where it stands.
type Job struct {
	JobKey      string
	Index       uint32
	BlockNumber uint64
	Requester   string
	StorageID   StorageID
	Status      JobStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LedgerState is the job state code kept by the ledger contract.
type LedgerState uint8

const (
	LedgerStateSubmitted LedgerState = iota
	LedgerStatePending
	LedgerStateRunning
	LedgerStateRefunded
	LedgerStateCancelled
	LedgerStateCompleted
	LedgerStateTimeout
)

func (s LedgerState) String() string {
	switch s {
	case LedgerStateSubmitted:
		return "SUBMITTED"
	case LedgerStatePending:
		return "PENDING"
	case LedgerStateRunning:
		return "RUNNING"
	case LedgerStateRefunded:
		return "REFUNDED"
	case LedgerStateCancelled:
		return "CANCELLED"
	case LedgerStateCompleted:
		return "COMPLETED"
	case LedgerStateTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// LedgerJob is the ledger's view of a single job.
type LedgerJob struct {
	State     LedgerState
	StartTime uint64
	Requester string
	Received  uint64
}
