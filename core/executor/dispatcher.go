package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"compute-broker/core/models"
	"compute-broker/storage"
)

// DispatchStore persists dispatch records. GetDispatch returns nil, nil when
// the event was never submitted.
type DispatchStore interface {
	GetDispatch(ctx context.Context, jobKey string, index uint32, blockNumber uint64) (*models.DispatchRecord, error)
	SaveDispatch(ctx context.Context, rec *models.DispatchRecord) error
}

// DispatcherConfig bounds the submission retry loop.
type DispatcherConfig struct {
	MaxAttempts    int
	Backoff        Backoff
	CommandTimeout time.Duration
}

// SubmitRequest is a staged job ready for the scheduler.
type SubmitRequest struct {
	Event models.JobEvent
	// User is the local account the job runs under.
	User string
	// RunDir holds the job's run.sh and is the submission working directory.
	RunDir string
}

// Dispatcher submits staged jobs to the batch scheduler.
type Dispatcher struct {
	scheduler Scheduler
	store     DispatchStore
	cfg       DispatcherConfig
}

func NewDispatcher(scheduler Scheduler, store DispatchStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	return &Dispatcher{scheduler: scheduler, store: store, cfg: cfg}
}

// ScriptName is the per-submission copy of run.sh. The block number keeps
// resubmissions of the same key and index apart.
func ScriptName(jobKey string, index uint32, blockNumber uint64) string {
	return fmt.Sprintf("%s*%d*%d.sh", jobKey, index, blockNumber)
}

// Submitted returns the submitted record of ev, or nil when it has not been
// handed to the scheduler yet.
func (d *Dispatcher) Submitted(ctx context.Context, ev models.JobEvent) (*models.DispatchRecord, error) {
	rec, err := d.store.GetDispatch(ctx, ev.JobKey, ev.Index, ev.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("loading dispatch record: %w", err)
	}
	if rec == nil || rec.Status != models.DispatchStatusSubmitted {
		return nil, nil
	}
	return rec, nil
}

// Submit hands the job to the scheduler and records the result. An event
// that already has a submitted record is not submitted again. Exhausting
// the attempt budget returns *models.SchedulerFatalError.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.DispatchRecord, error) {
	ev := req.Event
	rec, err := d.store.GetDispatch(ctx, ev.JobKey, ev.Index, ev.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("loading dispatch record: %w", err)
	}
	if rec != nil && rec.Status == models.DispatchStatusSubmitted {
		slog.InfoContext(ctx, "job already dispatched", "job_key", ev.JobKey, "index", ev.Index, "scheduler_job_id", rec.SchedulerJobID)
		return rec, nil
	}
	if rec == nil {
		rec = &models.DispatchRecord{
			JobKey:      ev.JobKey,
			Index:       ev.Index,
			BlockNumber: ev.BlockNumber,
			Status:      models.DispatchStatusPending,
		}
	}

	var cores, runtime uint64
	if len(ev.Cores) > 0 {
		cores = ev.Cores[0]
	}
	if len(ev.RunTimes) > 0 {
		runtime = ev.RunTimes[0]
	}
	rec.TimeLimit = FormatTimeLimit(runtime)

	script := filepath.Join(req.RunDir, ScriptName(ev.JobKey, ev.Index, ev.BlockNumber))
	if err := storage.CopyFile(filepath.Join(req.RunDir, storage.EntryPoint), script); err != nil {
		return nil, fmt.Errorf("writing batch script: %w", err)
	}

	jobID, err := d.submitWithRetry(ctx, req.User, script, req.RunDir, cores, rec)
	if err != nil {
		var fatal *models.SchedulerFatalError
		if errors.As(err, &fatal) {
			rec.Status = models.DispatchStatusFatal
		}
		if saveErr := d.store.SaveDispatch(ctx, rec); saveErr != nil {
			slog.ErrorContext(ctx, "failed to save dispatch record", "error", saveErr)
		}
		return nil, err
	}

	rec.SchedulerJobID = jobID
	rec.Status = models.DispatchStatusSubmitted
	if err := d.store.SaveDispatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving dispatch record: %w", err)
	}

	limitCtx, cancel := d.commandContext(ctx)
	defer cancel()
	if err := d.scheduler.UpdateTimeLimit(limitCtx, jobID, rec.TimeLimit); err != nil {
		slog.WarnContext(ctx, "job runs without a time limit", "scheduler_job_id", jobID, "time_limit", rec.TimeLimit, "error", err)
	}

	slog.InfoContext(ctx, "job dispatched",
		"job_key", ev.JobKey,
		"index", ev.Index,
		"block_number", ev.BlockNumber,
		"scheduler_job_id", jobID,
		"time_limit", rec.TimeLimit,
		"attempts", rec.Attempts)
	return rec, nil
}

// commandContext lets a started scheduler call finish even if ctx is cancelled.
func (d *Dispatcher) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CommandTimeout)
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, user, script, dir string, cores uint64, rec *models.DispatchRecord) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		rec.Attempts++

		callCtx, cancel := d.commandContext(ctx)
		out, err := d.scheduler.Submit(callCtx, user, script, dir, cores)
		cancel()

		if err == nil {
			jobID, matched, parseErr := ParseSubmitResponse(out)
			if parseErr != nil {
				return "", &models.SchedulerFatalError{JobKey: rec.JobKey, Index: rec.Index, Attempts: rec.Attempts, Err: parseErr}
			}
			if matched {
				return jobID, nil
			}
		}

		kind := classifyFailure(out, err)
		lastErr = &models.SchedulerTransientError{Failure: kind.String(), Output: out, Err: err}
		slog.WarnContext(ctx, "submission failed",
			"job_key", rec.JobKey,
			"index", rec.Index,
			"attempt", attempt,
			"failure", kind.String(),
			"output", out)

		if ctx.Err() != nil {
			return "", fmt.Errorf("dispatch interrupted after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		switch recoveryFor(kind) {
		case recoverRecreateAccount:
			d.recreateAccount(ctx, user)
		case recoverBackoff:
			if err := sleep(ctx, d.cfg.Backoff.Delay(attempt)); err != nil {
				return "", fmt.Errorf("dispatch interrupted after attempt %d: %w", attempt, err)
			}
		}
	}
	return "", &models.SchedulerFatalError{JobKey: rec.JobKey, Index: rec.Index, Attempts: rec.Attempts, Err: lastErr}
}

func (d *Dispatcher) recreateAccount(ctx context.Context, user string) {
	callCtx, cancel := d.commandContext(ctx)
	defer cancel()
	if err := d.scheduler.RemoveUser(callCtx, user); err != nil {
		slog.WarnContext(ctx, "failed to remove scheduler user", "user", user, "error", err)
	}
	if err := d.scheduler.AddUser(callCtx, user); err != nil {
		slog.WarnContext(ctx, "failed to add scheduler user", "user", user, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
