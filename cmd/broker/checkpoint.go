package main

import (
	"fmt"
	"strconv"

	"compute-broker/storage"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or set the next ledger block to scan",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		block, err := storage.NewCheckpointStore(cfg.CheckpointPath).Load()
		if err != nil {
			return err
		}
		fmt.Println(block)
		return nil
	},
}

var checkpointSeedCmd = &cobra.Command{
	Use:   "seed [block]",
	Short: "Store a checkpoint, the contract deployment block by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var block uint64
		if len(args) == 1 {
			b, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block number %q", args[0])
			}
			block = b
		} else {
			chain, err := dialLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer chain.Close()
			block, err = chain.DeployedBlockNumber(cmd.Context())
			if err != nil {
				return err
			}
		}

		if err := storage.NewCheckpointStore(cfg.CheckpointPath).Save(block); err != nil {
			return err
		}
		fmt.Printf("checkpoint=%d\n", block)
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointSeedCmd)
	rootCmd.AddCommand(checkpointCmd)
}
