package monitoring

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"compute-broker/core/models"
)

// DispatchLister lists submissions that are not yet known to be running.
type DispatchLister interface {
	ListSubmitted(ctx context.Context, limit int) ([]models.DispatchRecord, error)
}

// StatusRecorder persists job lifecycle transitions.
type StatusRecorder interface {
	UpdateJobStatus(ctx context.Context, jobKey string, index uint32, blockNumber uint64, from, to models.JobStatus, reason string, meta map[string]interface{}) error
}

// JobStateReader reports the scheduler state of a job, e.g. "RUNNING".
type JobStateReader interface {
	JobState(ctx context.Context, jobID string) (string, error)
}

// RunningReporter tells the ledger a job has started.
type RunningReporter interface {
	SetJobStatusRunning(ctx context.Context, jobKey string, index, jobID uint32, startTime uint64) (string, error)
}

// JobMonitor watches dispatched jobs and reports them to the ledger once the
// scheduler starts them.
type JobMonitor struct {
	dispatches DispatchLister
	jobs       StatusRecorder
	scheduler  JobStateReader
	ledger     RunningReporter
	interval   time.Duration
	now        func() time.Time
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(dispatches DispatchLister, jobs StatusRecorder, scheduler JobStateReader, ledger RunningReporter, interval time.Duration) *JobMonitor {
	return &JobMonitor{
		dispatches: dispatches,
		jobs:       jobs,
		scheduler:  scheduler,
		ledger:     ledger,
		interval:   interval,
		now:        time.Now,
	}
}

// Start starts the job monitoring loop
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.CheckDispatched(ctx)
		}
	}
}

// leftQueueStates are squeue states of jobs that are finishing or gone.
var leftQueueStates = map[string]bool{
	"":              true,
	"COMPLETED":     true,
	"COMPLETING":    true,
	"FAILED":        true,
	"CANCELLED":     true,
	"TIMEOUT":       true,
	"NODE_FAIL":     true,
	"PREEMPTED":     true,
	"OUT_OF_MEMORY": true,
	"BOOT_FAIL":     true,
	"DEADLINE":      true,
}

// CheckDispatched reports every dispatched job the scheduler has started.
// Jobs that left the queue without being seen running are retired so they
// stop occupying the listing window.
func (jm *JobMonitor) CheckDispatched(ctx context.Context) {
	records, err := jm.dispatches.ListSubmitted(ctx, 100)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dispatched jobs", "error", err)
		return
	}

	for _, rec := range records {
		state, err := jm.scheduler.JobState(ctx, rec.SchedulerJobID)
		if err != nil {
			slog.WarnContext(ctx, "failed to read scheduler state", "scheduler_job_id", rec.SchedulerJobID, "error", err)
			continue
		}
		switch {
		case state == "RUNNING":
			jm.reportRunning(ctx, rec)
		case leftQueueStates[state]:
			jm.retire(ctx, rec, state)
		}
	}
}

func (jm *JobMonitor) retire(ctx context.Context, rec models.DispatchRecord, state string) {
	meta := map[string]interface{}{
		"scheduler_job_id": rec.SchedulerJobID,
		"scheduler_state":  state,
	}
	err := jm.jobs.UpdateJobStatus(ctx, rec.JobKey, rec.Index, rec.BlockNumber,
		models.JobStatusDispatched, models.JobStatusLeftQueue, "left_queue", meta)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retire dispatched job", "job_key", rec.JobKey, "index", rec.Index, "error", err)
		return
	}
	slog.WarnContext(ctx, "job left the queue before it was seen running",
		"job_key", rec.JobKey, "index", rec.Index, "scheduler_job_id", rec.SchedulerJobID, "scheduler_state", state)
}

func (jm *JobMonitor) reportRunning(ctx context.Context, rec models.DispatchRecord) {
	started := uint64(jm.now().Unix())
	tx, err := jm.ledger.SetJobStatusRunning(ctx, rec.JobKey, rec.Index, 0, started)
	if err != nil {
		slog.ErrorContext(ctx, "failed to report running job", "job_key", rec.JobKey, "index", rec.Index, "error", err)
		return
	}

	meta := map[string]interface{}{
		"scheduler_job_id": rec.SchedulerJobID,
		"tx_hash":          tx,
		"start_time":       strconv.FormatUint(started, 10),
	}
	err = jm.jobs.UpdateJobStatus(ctx, rec.JobKey, rec.Index, rec.BlockNumber,
		models.JobStatusDispatched, models.JobStatusRunning, "scheduler_running", meta)
	if err != nil {
		slog.ErrorContext(ctx, "failed to record running job", "job_key", rec.JobKey, "index", rec.Index, "error", err)
		return
	}
	slog.InfoContext(ctx, "job running", "job_key", rec.JobKey, "index", rec.Index, "scheduler_job_id", rec.SchedulerJobID, "tx_hash", tx)
}
