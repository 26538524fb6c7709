package main

import (
	"context"

	"compute-broker/common/logger"
	"compute-broker/config"
	"compute-broker/core/executor"
	"compute-broker/providers/ethereum"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "broker",
	Short:         "Runs ledger job events on a Slurm cluster.",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		logger.Setup(cfg)
		return nil
	},
}

func dialLedger(ctx context.Context) (*ethereum.Client, error) {
	return ethereum.Dial(ctx, ethereum.Config{
		RPCURL:          cfg.Ledger.RPCURL,
		ContractAddress: cfg.Ledger.ContractAddress,
		ProviderAddress: cfg.Ledger.ProviderAddress,
		GasLimit:        cfg.Ledger.GasLimit,
	})
}

// slurmCLI talks to Slurm locally, or on the configured login node.
func slurmCLI() *executor.SlurmCLI {
	var runner executor.CommandRunner = executor.ExecCommandRunner{}
	if cfg.Slurm.SSHHost != "" {
		runner = executor.NewSSHCommandRunner(cfg.Slurm.SSHHost, cfg.Slurm.SSHUser, cfg.Slurm.SSHPort)
	}
	return executor.NewSlurmCLI(runner, cfg.Slurm.Account, cfg.Slurm.UseSudo)
}
