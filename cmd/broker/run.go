package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"compute-broker/api/rest/handlers"
	"compute-broker/api/rest/routes"
	"compute-broker/common/logger"
	"compute-broker/common/otel"
	"compute-broker/core/executor"
	"compute-broker/core/models"
	"compute-broker/core/monitoring"
	"compute-broker/core/notify"
	"compute-broker/core/optimizer"
	"compute-broker/core/repository"
	"compute-broker/core/scheduler"
	"compute-broker/core/supervisor"
	"compute-broker/core/validator"
	"compute-broker/providers/aws"
	"compute-broker/providers/gdrive"
	"compute-broker/providers/gitlab"
	"compute-broker/providers/ipfs"
	"compute-broker/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the ledger and dispatch job events until interrupted",
	RunE:  runBroker,
}

func init() { rootCmd.AddCommand(runCmd) }

func runBroker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()
	// the log bridge needs the logger provider installed by otel.Setup
	logger.Setup(cfg)

	if err := supervisor.AcquireLock(cfg.LockPath); err != nil {
		return err
	}
	defer supervisor.ReleaseLock(cfg.LockPath)

	runner := executor.ExecCommandRunner{}
	helpers := supervisor.New(supervisor.NewProcessChecker(runner))
	defer helpers.Shutdown(10 * time.Second)
	if cfg.IPFS.StartDaemon {
		if _, err := helpers.Ensure(ctx, supervisor.Helper{
			Tag:     "ipfs daemon",
			Name:    cfg.IPFS.Binary,
			Args:    []string{"daemon"},
			LogPath: filepath.Join(cfg.ProgramDir, "ipfs.log"),
		}); err != nil {
			return err
		}
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	chain, err := dialLedger(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	slurm := slurmCLI()
	if err := startupChecks(ctx, chain, slurm); err != nil {
		return err
	}

	fetchers, err := buildFetchers(ctx, runner)
	if err != nil {
		return err
	}
	verifier := storage.NewHashVerifier(ipfs.NewHasher(runner, cfg.IPFS.Binary))
	cache := storage.NewContentCache(cfg.ProgramDir, verifier, repository.NewCacheRepository(db))

	jobs := repository.NewJobRepository(db)
	dispatches := repository.NewDispatchRepository(db)
	dispatcher := executor.NewDispatcher(slurm, dispatches, executor.DispatcherConfig{
		MaxAttempts:    cfg.Slurm.MaxAttempts,
		Backoff:        executor.Backoff{Base: cfg.Slurm.BackoffBase, Max: cfg.Slurm.BackoffMax},
		CommandTimeout: cfg.Slurm.CommandTimeout,
	})

	var publisher notify.Publisher = notify.Discard{}
	if cfg.Redis.Enabled() {
		publisher, err = notify.Connect(ctx, cfg.Redis.URL, cfg.Redis.Stream)
		if err != nil {
			return err
		}
	}
	defer publisher.Close()

	revenue := monitoring.NewRevenueTracker(chain, cfg.Ledger.ProviderAddress)
	metrics := monitoring.NewMetricsExporter(revenue)
	checkpoint := storage.NewCheckpointStore(cfg.CheckpointPath)

	monitor := monitoring.NewJobMonitor(dispatches, jobs, slurm, chain, cfg.Poll.MonitorInterval)
	go monitor.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r,
		handlers.NewJobHandler(jobs, repository.NewEventRepository(db), dispatches),
		handlers.NewStatusHandler(checkpoint, slurm, revenue, metrics))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("status server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	driver := scheduler.NewDriver(scheduler.Config{
		Provider:         cfg.Ledger.ProviderAddress,
		ProgramDir:       cfg.ProgramDir,
		PollInterval:     cfg.Poll.Interval,
		BlockInterval:    cfg.Poll.BlockInterval,
		CapacityInterval: cfg.Poll.CapacityInterval,
		AutoSeed:         cfg.CheckpointAutoSeed,
	}, scheduler.Deps{
		Ledger:     chain,
		Checkpoint: checkpoint,
		Capacity:   slurm,
		Jobs:       jobs,
		Validator:  validator.NewValidator(chain),
		Pricing:    optimizer.NewPricingFetcher(chain),
		Calculator: optimizer.NewCostCalculator(),
		Resolver:   storage.NewResolver(cache, verifier, fetchers),
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Metrics:    metrics,
		Revenue:    revenue,
	})
	return driver.Start(ctx)
}

type providerChecker interface {
	ProviderExists(ctx context.Context, provider string) (bool, error)
}

func startupChecks(ctx context.Context, chain providerChecker, slurm executor.Scheduler) error {
	exists, err := chain.ProviderExists(ctx, cfg.Ledger.ProviderAddress)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", optimizer.ErrProviderNotRegistered, cfg.Ledger.ProviderAddress)
	}
	if _, err := slurm.QueueStatus(ctx); err != nil {
		return fmt.Errorf("slurm is not reachable: %w", err)
	}
	slog.InfoContext(ctx, "startup checks passed", "provider", cfg.Ledger.ProviderAddress)
	return nil
}

func buildFetchers(ctx context.Context, runner executor.CommandRunner) (map[models.StorageID]storage.Fetcher, error) {
	fetchers := map[models.StorageID]storage.Fetcher{
		models.StorageIPFS:    ipfs.NewFetcher(runner, cfg.IPFS.Binary),
		models.StorageIPFSGPG: ipfs.NewEncryptedFetcher(runner, cfg.IPFS.Binary, cfg.IPFS.GPGBinary),
		models.StorageGDrive:  gdrive.NewFetcher(runner, cfg.GDrive.Binary),
	}

	if cfg.Share.Enabled() {
		share, err := aws.NewClient(ctx, cfg.Share.Bucket, cfg.Share.Region, cfg.Share.Endpoint, cfg.Share.Prefix)
		if err != nil {
			return nil, fmt.Errorf("creating share client: %w", err)
		}
		fetchers[models.StorageEUDAT] = share
	}

	vcs, err := gitlab.NewFetcher(cfg.VCS.BaseURL, cfg.VCS.Token)
	if err != nil {
		return nil, err
	}
	fetchers[models.StorageGitHub] = vcs
	return fetchers, nil
}
