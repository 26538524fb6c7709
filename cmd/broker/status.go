package main

import (
	"errors"
	"fmt"

	"compute-broker/core/supervisor"
	"compute-broker/storage"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print scheduler capacity, the checkpoint and whether a broker is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		slurm := slurmCLI()

		idle, err := slurm.IdleCores(ctx)
		if err != nil {
			return err
		}
		checkpoint := "uninitialized"
		if block, err := storage.NewCheckpointStore(cfg.CheckpointPath).Load(); err == nil {
			checkpoint = fmt.Sprint(block)
		} else if !errors.Is(err, storage.ErrUninitializedCheckpoint) {
			return err
		}
		fmt.Printf("idle_cores=%d checkpoint=%s running=%t\n", idle, checkpoint, supervisor.IsLocked(cfg.LockPath))

		queue, err := slurm.QueueStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Print(queue)
		return nil
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
