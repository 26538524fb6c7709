package main

import (
	"fmt"
	"strconv"

	"compute-broker/core/models"
	"compute-broker/core/optimizer"

	"github.com/spf13/cobra"
)

var priceFrom uint64

var priceCmd = &cobra.Command{
	Use:   "price <jobKey> <index>",
	Short: "Print the cost breakdown of a submitted job without running it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid index %q", args[1])
		}

		ctx := cmd.Context()
		chain, err := dialLedger(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		from := priceFrom
		if from == 0 {
			if from, err = chain.DeployedBlockNumber(ctx); err != nil {
				return err
			}
		}
		head, err := chain.BlockNumber(ctx)
		if err != nil {
			return err
		}
		events, err := chain.JobEvents(ctx, cfg.Ledger.ProviderAddress, from, head)
		if err != nil {
			return err
		}

		var job *models.JobEvent
		for i := range events {
			if events[i].JobKey == args[0] && events[i].Index == uint32(index) {
				job = &events[i]
			}
		}
		if job == nil {
			return fmt.Errorf("no job %s/%d between blocks %d and %d", args[0], index, from, head)
		}

		cost, err := optimizer.NewPricingFetcher(chain).Quote(ctx, optimizer.NewCostCalculator(), *job)
		if err != nil {
			return err
		}
		fmt.Printf("block=%d computational=%d cache=%d storage=%d data_transfer_in=%d data_transfer_out=%d total=%d\n",
			job.BlockNumber, cost.Computational, cost.Cache, cost.Storage, cost.DataTransferIn, cost.DataTransferOut, cost.Total())
		return nil
	},
}

func init() {
	priceCmd.Flags().Uint64Var(&priceFrom, "from", 0, "first block to search (default: contract deployment block)")
	rootCmd.AddCommand(priceCmd)
}
