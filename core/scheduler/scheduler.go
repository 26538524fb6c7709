package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"compute-broker/common/logger"
	"compute-broker/core/executor"
	"compute-broker/core/ledger"
	"compute-broker/core/models"
	"compute-broker/core/monitoring"
	"compute-broker/core/notify"
	"compute-broker/core/optimizer"
	"compute-broker/core/validator"
	"compute-broker/storage"
)

// CheckpointStore persists the next block to read.
type CheckpointStore interface {
	Load() (uint64, error)
	Save(block uint64) error
}

// CapacityReader reports free scheduler cores.
type CapacityReader interface {
	IdleCores(ctx context.Context) (int, error)
}

// JobStore records job events and their lifecycle transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, jobKey string, index uint32, blockNumber uint64, fromStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error
}

// ContentResolver stages content into a working directory.
type ContentResolver interface {
	Resolve(ctx context.Context, req storage.ResolveRequest) (storage.ResolveResult, error)
}

// JobDispatcher hands staged jobs to the batch scheduler.
type JobDispatcher interface {
	Submitted(ctx context.Context, ev models.JobEvent) (*models.DispatchRecord, error)
	Submit(ctx context.Context, req executor.SubmitRequest) (*models.DispatchRecord, error)
}

// Config controls the poll loop.
type Config struct {
	Provider   string
	ProgramDir string
	// PollInterval separates cycles.
	PollInterval time.Duration
	// BlockInterval is the wait for the chain head to pass the checkpoint.
	BlockInterval time.Duration
	// CapacityInterval is the wait while the scheduler has no idle cores.
	CapacityInterval time.Duration
	// AutoSeed initializes a missing checkpoint at the contract deployment block.
	AutoSeed bool
}

// Deps are the components a Driver coordinates.
type Deps struct {
	Ledger     ledger.Ledger
	Checkpoint CheckpointStore
	Capacity   CapacityReader
	Jobs       JobStore
	Validator  *validator.Validator
	Pricing    *optimizer.PricingFetcher
	Calculator *optimizer.CostCalculator
	Resolver   ContentResolver
	Dispatcher JobDispatcher
	Publisher  notify.Publisher
	Metrics    *monitoring.MetricsExporter
	Revenue    *monitoring.RevenueTracker
}

// Driver polls the ledger for job events and takes each one to a terminal
// outcome: rejected, refunded or dispatched. Events are handled one at a
// time in ledger order.
type Driver struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewDriver creates a new driver
func NewDriver(cfg Config, deps Deps) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.CapacityInterval <= 0 {
		cfg.CapacityInterval = 10 * time.Second
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Calculator == nil {
		deps.Calculator = optimizer.NewCostCalculator()
	}
	return &Driver{cfg: cfg, deps: deps}
}

// Start runs poll cycles until ctx is cancelled, Stop is called or a cycle
// fails with an error the loop cannot recover from. A stop request returns nil.
func (d *Driver) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "broker.driver"})
	slog.InfoContext(ctx, "driver started", "provider", d.cfg.Provider)

	for {
		if err := d.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				slog.InfoContext(ctx, "driver stopped")
				return nil
			}
			slog.ErrorContext(ctx, "driver stopped on error", "error", err)
			return err
		}
		if err := wait(ctx, d.cfg.PollInterval); err != nil {
			slog.InfoContext(ctx, "driver stopped")
			return nil
		}
	}
}

// Stop asks a running Start to return before the next event.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// RunCycle drains one block range. The checkpoint moves to one past the
// highest block that carried an event, or to the observed head when the
// range was empty. An error leaves the checkpoint where it was.
func (d *Driver) RunCycle(ctx context.Context) error {
	span := logger.StartSpan(ctx, "broker.driver.cycle")
	defer span.End()
	ctx = span.Context()

	if err := d.waitForCapacity(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	from, err := d.loadCheckpoint(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	head, err := d.waitForHead(ctx, from)
	if err != nil {
		span.RecordError(err)
		return err
	}

	events, err := d.deps.Ledger.JobEvents(ctx, d.cfg.Provider, from, head)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reading job events [%d, %d]: %w", from, head, err)
	}
	if len(events) > 0 {
		slog.InfoContext(ctx, "job events found", "from", from, "to", head, "count", len(events))
	}

	next := head
	var maxBlock uint64
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.processEvent(ctx, ev); err != nil {
			span.RecordError(err)
			return err
		}
		if ev.BlockNumber > maxBlock {
			maxBlock = ev.BlockNumber
		}
	}
	if len(events) > 0 {
		next = maxBlock + 1
	}

	if next > from {
		if err := d.deps.Checkpoint.Save(next); err != nil {
			span.RecordError(err)
			return fmt.Errorf("saving checkpoint: %w", err)
		}
		slog.DebugContext(ctx, "checkpoint advanced", "from", from, "to", next)
	} else {
		next = from
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordCycle(next)
	}
	if d.deps.Revenue != nil {
		if _, err := d.deps.Revenue.Sample(ctx); err != nil {
			slog.WarnContext(ctx, "failed to sample provider revenue", "error", err)
		}
	}
	return nil
}

func (d *Driver) loadCheckpoint(ctx context.Context) (uint64, error) {
	block, err := d.deps.Checkpoint.Load()
	if err == nil {
		return block, nil
	}
	if !errors.Is(err, storage.ErrUninitializedCheckpoint) || !d.cfg.AutoSeed {
		return 0, err
	}

	deployed, err := d.deps.Ledger.DeployedBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading deployment block: %w", err)
	}
	if err := d.deps.Checkpoint.Save(deployed); err != nil {
		return 0, fmt.Errorf("seeding checkpoint: %w", err)
	}
	slog.InfoContext(ctx, "checkpoint seeded at deployment block", "block_number", deployed)
	return deployed, nil
}

func (d *Driver) waitForCapacity(ctx context.Context) error {
	logged := false
	for {
		idle, err := d.deps.Capacity.IdleCores(ctx)
		if err != nil {
			return fmt.Errorf("reading idle cores: %w", err)
		}
		if idle > 0 {
			return nil
		}
		if !logged {
			slog.InfoContext(ctx, "no idle cores, waiting for capacity")
			logged = true
		}
		if err := wait(ctx, d.cfg.CapacityInterval); err != nil {
			return err
		}
	}
}

func (d *Driver) waitForHead(ctx context.Context, from uint64) (uint64, error) {
	for {
		head, err := d.deps.Ledger.BlockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading chain head: %w", err)
		}
		if head >= from {
			return head, nil
		}
		if err := wait(ctx, d.cfg.BlockInterval); err != nil {
			return 0, err
		}
	}
}

// processEvent returns an error only when the loop has to stop. Rejections
// and refunds are terminal outcomes, not errors.
func (d *Driver) processEvent(ctx context.Context, ev models.JobEvent) error {
	span := logger.StartSpan(ctx, "broker.driver.event")
	defer span.End()
	ctx = logger.WithLogFields(span.Context(), logger.LogFields{
		JobKey:      logger.Ptr(ev.JobKey),
		Index:       logger.Ptr(ev.Index),
		BlockNumber: logger.Ptr(ev.BlockNumber),
		Requester:   logger.Ptr(ev.Requester),
		StorageID:   logger.Ptr(ev.StorageID().String()),
	})

	err := d.handle(ctx, ev)
	span.RecordError(err)
	return err
}

func (d *Driver) handle(ctx context.Context, ev models.JobEvent) error {
	job := &models.Job{
		JobKey:      ev.JobKey,
		Index:       ev.Index,
		BlockNumber: ev.BlockNumber,
		Requester:   ev.Requester,
		StorageID:   ev.StorageID(),
		Status:      models.JobStatusReceived,
	}
	if err := d.deps.Jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("recording job: %w", err)
	}

	if err := d.deps.Validator.Validate(ctx, ev); err != nil {
		var rejection *models.RejectionError
		if errors.As(err, &rejection) {
			return d.reject(ctx, ev, models.JobStatusReceived, rejection)
		}
		return err
	}
	if err := d.transition(ctx, ev, models.JobStatusReceived, models.JobStatusValidated, "validated", nil); err != nil {
		return err
	}

	cost, err := d.deps.Pricing.Quote(ctx, d.deps.Calculator, ev)
	if errors.Is(err, optimizer.ErrCostOverflow) {
		return d.reject(ctx, ev, models.JobStatusValidated, &models.RejectionError{
			Reason: models.RejectUnpriceable,
			Detail: err.Error(),
		})
	}
	if err != nil {
		return fmt.Errorf("pricing job: %w", err)
	}
	if d.deps.Revenue != nil {
		d.deps.Revenue.RecordQuote(cost)
	}
	slog.InfoContext(ctx, "job priced",
		"computational", cost.Computational,
		"cache", cost.Cache,
		"storage", cost.Storage,
		"data_transfer", cost.DataTransfer(),
		"total", cost.Total())
	if err := d.transition(ctx, ev, models.JobStatusValidated, models.JobStatusFetching, "priced", costMeta(cost)); err != nil {
		return err
	}

	owner := storage.LocalUser(ev.Requester)
	ws := storage.NewWorkspace(d.cfg.ProgramDir, owner, ev.JobKey, ev.Index)

	rec, err := d.deps.Dispatcher.Submitted(ctx, ev)
	if err != nil {
		return err
	}
	if rec == nil {
		if err := d.stage(ctx, ev, owner, ws); err != nil {
			var fetchErr *models.FetchError
			if errors.As(err, &fetchErr) {
				return d.refund(ctx, ev, fetchErr)
			}
			return err
		}
	}
	if err := d.transition(ctx, ev, models.JobStatusFetching, models.JobStatusCached, "staged", nil); err != nil {
		return err
	}

	rec, err = d.deps.Dispatcher.Submit(ctx, executor.SubmitRequest{Event: ev, User: owner, RunDir: ws.RunDir})
	if err != nil {
		var fatal *models.SchedulerFatalError
		if errors.As(err, &fatal) {
			if terr := d.transition(ctx, ev, models.JobStatusCached, models.JobStatusFailed, "scheduler_fatal", map[string]interface{}{"error": err.Error()}); terr != nil {
				slog.ErrorContext(ctx, "failed to record scheduler failure", "error", terr)
			}
			d.publish(ctx, ev, models.JobStatusFailed, "scheduler_fatal", "")
		}
		return err
	}

	if err := d.transition(ctx, ev, models.JobStatusCached, models.JobStatusDispatched, "submitted", map[string]interface{}{
		"scheduler_job_id": rec.SchedulerJobID,
		"time_limit":       rec.TimeLimit,
		"attempts":         rec.Attempts,
	}); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job outcome", "status", models.JobStatusDispatched, "scheduler_job_id", rec.SchedulerJobID)
	d.publish(ctx, ev, models.JobStatusDispatched, "", rec.SchedulerJobID)
	return nil
}

// stage prepares a fresh workspace, resolves the source folder into
// JOB_TO_RUN and every further hash under data/, then links the data folders.
func (d *Driver) stage(ctx context.Context, ev models.JobEvent, owner string, ws storage.Workspace) error {
	if len(ev.ContentHashes) == 0 {
		return &models.FetchError{Kind: models.FetchContentUnavailable, StorageID: ev.StorageID(), Err: fmt.Errorf("job names no source content")}
	}
	if err := ws.Prepare(); err != nil {
		return err
	}

	token := fetchToken(ev)
	for i, hash := range ev.ContentHashes {
		req := storage.ResolveRequest{
			Hash:      hash,
			StorageID: ev.StorageIDAt(i),
			Tier:      ev.CacheTypeAt(i),
			Owner:     owner,
			Token:     token,
		}
		if i == 0 {
			req.Destination = ws.RunDir
			req.RequireEntryPoint = true
		} else {
			req.Destination = ws.DataPath(hash)
		}

		res, err := d.deps.Resolver.Resolve(ctx, req)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "content staged",
			"hash", hash,
			"cache_hit", res.CacheHit,
			"tier", res.Entry.Tier.String(),
			"representation", res.Entry.Representation)
	}

	if len(ev.ContentHashes) > 1 {
		if _, err := ws.LinkData(ctx); err != nil {
			return fmt.Errorf("linking data folders: %w", err)
		}
	}
	return nil
}

// fetchToken is the backend locator for non content-addressed storage:
// the job description when the requester set one, the job key otherwise.
func fetchToken(ev models.JobEvent) string {
	if ev.Description != "" {
		return ev.Description
	}
	return ev.JobKey
}

func (d *Driver) reject(ctx context.Context, ev models.JobEvent, from models.JobStatus, rejection *models.RejectionError) error {
	slog.InfoContext(ctx, "job outcome", "status", models.JobStatusRejected, "reason", rejection.Reason, "detail", rejection.Detail)
	if err := d.transition(ctx, ev, from, models.JobStatusRejected, string(rejection.Reason), map[string]interface{}{
		"detail": rejection.Detail,
	}); err != nil {
		return err
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordRejection(rejection.Reason)
	}
	d.publish(ctx, ev, models.JobStatusRejected, string(rejection.Reason), "")
	return nil
}

func (d *Driver) refund(ctx context.Context, ev models.JobEvent, fetchErr *models.FetchError) error {
	tx, err := d.deps.Ledger.Refund(ctx, ledger.RefundRequest{
		Provider: d.cfg.Provider,
		JobKey:   ev.JobKey,
		Index:    ev.Index,
		JobID:    0,
		Cores:    ev.Cores,
		RunTimes: ev.RunTimes,
	})
	if err != nil {
		return fmt.Errorf("refunding job: %w", err)
	}

	slog.InfoContext(ctx, "job outcome",
		"status", models.JobStatusRefunded,
		"reason", fetchErr.Kind,
		"hash", fetchErr.Hash,
		"error", fetchErr.Err,
		"tx", tx)
	if err := d.transition(ctx, ev, models.JobStatusFetching, models.JobStatusRefunded, string(fetchErr.Kind), map[string]interface{}{
		"hash":       fetchErr.Hash,
		"storage_id": fetchErr.StorageID.String(),
		"tx":         tx,
	}); err != nil {
		return err
	}
	d.publish(ctx, ev, models.JobStatusRefunded, string(fetchErr.Kind), "")
	return nil
}

func (d *Driver) transition(ctx context.Context, ev models.JobEvent, from, to models.JobStatus, reason string, meta map[string]interface{}) error {
	if err := d.deps.Jobs.UpdateJobStatus(ctx, ev.JobKey, ev.Index, ev.BlockNumber, from, to, reason, meta); err != nil {
		return fmt.Errorf("recording %s -> %s: %w", from, to, err)
	}
	return nil
}

func (d *Driver) publish(ctx context.Context, ev models.JobEvent, status models.JobStatus, reason, schedulerJobID string) {
	if d.deps.Metrics != nil && status != models.JobStatusRejected {
		d.deps.Metrics.RecordOutcome(status)
	}
	err := d.deps.Publisher.Publish(ctx, models.Outcome{
		JobKey:         ev.JobKey,
		Index:          ev.Index,
		BlockNumber:    ev.BlockNumber,
		Requester:      ev.Requester,
		Status:         status,
		Reason:         reason,
		SchedulerJobID: schedulerJobID,
		At:             time.Now().UTC(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to publish outcome", "status", status, "error", err)
	}
}

func costMeta(cost models.CostBreakdown) map[string]interface{} {
	return map[string]interface{}{
		"computational":     cost.Computational,
		"cache":             cost.Cache,
		"storage":           cost.Storage,
		"data_transfer_in":  cost.DataTransferIn,
		"data_transfer_out": cost.DataTransferOut,
		"total":             cost.Total(),
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
