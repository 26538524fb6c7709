package optimizer

import (
	"errors"
	"fmt"
	"math/bits"

	"compute-broker/core/models"
)

// ErrProviderNotRegistered is returned when the ledger does not know the provider.
var ErrProviderNotRegistered = errors.New("provider is not registered on the ledger")

// ErrCostOverflow is returned when a job's price does not fit in 64 bits.
var ErrCostOverflow = errors.New("job cost overflows uint64")

// CostCalculator prices job events. It holds no state; every input comes
// from the job, the provider's prices and a fresh chain snapshot.
type CostCalculator struct{}

// NewCostCalculator creates a new cost calculator
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{}
}

// Price computes the cost breakdown of job.
func (cc *CostCalculator) Price(job models.JobEvent, prices models.ProviderPrices, state models.ChainState) (models.CostBreakdown, error) {
	if !state.ProviderRegistered {
		return models.CostBreakdown{}, fmt.Errorf("%w: %s", ErrProviderNotRegistered, job.Provider)
	}

	var (
		cost models.CostBreakdown
		acc  accumulator
	)
	cost.Computational = cc.computationalCost(&acc, job, prices)

	var transferInSum uint64
	for i, hash := range job.ContentHashes {
		st, ok := state.Storage[hash]
		if !ok {
			return models.CostBreakdown{}, fmt.Errorf("no chain state for content %s", hash)
		}

		windowOpen := st.ReceivedBlock+st.StorageDuration >= state.CurrentBlock
		deposit := st.Deposit
		if !windowOpen {
			// expired storage must be paid again
			deposit = 0
		}

		if (deposit > 0 && windowOpen) || (windowOpen && !st.IsPrivate && st.IsVerifiedUsed) {
			continue
		}

		if at(job.PriceSetBlocks, i) > 0 {
			// Only the first registered price counts; the rest of the
			// job's content is not priced. See DESIGN.md.
			cost.Storage = acc.add(cost.Storage, st.RegisteredPrice)
			break
		}

		transferIn := at(job.DataTransferIns, i)
		transferInSum = acc.add(transferInSum, transferIn)
		if hours := at(job.StorageHours, i); hours > 0 {
			cost.Storage = acc.add(cost.Storage, acc.mul(acc.mul(prices.PriceStorage, transferIn), hours))
		} else {
			cost.Cache = acc.add(cost.Cache, acc.mul(prices.PriceCache, transferIn))
		}
	}

	cost.DataTransferIn = acc.mul(prices.PriceDataTransfer, transferInSum)
	cost.DataTransferOut = acc.mul(prices.PriceDataTransfer, job.DataTransferOut)
	for _, part := range []uint64{cost.Computational, cost.Cache, cost.Storage, cost.DataTransferIn, cost.DataTransferOut} {
		acc.total = acc.add(acc.total, part)
	}
	if acc.overflow {
		return models.CostBreakdown{}, fmt.Errorf("%w: job %s/%d", ErrCostOverflow, job.JobKey, job.Index)
	}
	return cost, nil
}

func (cc *CostCalculator) computationalCost(acc *accumulator, job models.JobEvent, prices models.ProviderPrices) uint64 {
	var total uint64
	for i, cores := range job.Cores {
		total = acc.add(total, acc.mul(acc.mul(prices.PriceCoreMin, cores), at(job.RunTimes, i)))
	}
	return total
}

// accumulator does checked uint64 arithmetic and remembers whether any
// step overflowed.
type accumulator struct {
	total    uint64
	overflow bool
}

func (a *accumulator) add(x, y uint64) uint64 {
	sum, carry := bits.Add64(x, y, 0)
	if carry != 0 {
		a.overflow = true
	}
	return sum
}

func (a *accumulator) mul(x, y uint64) uint64 {
	hi, lo := bits.Mul64(x, y)
	if hi != 0 {
		a.overflow = true
	}
	return lo
}

func at(values []uint64, i int) uint64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}
