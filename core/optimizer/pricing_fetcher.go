package optimizer

import (
	"context"
	"fmt"

	"compute-broker/core/models"
)

// ChainReader is the ledger surface needed to price a job.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ProviderExists(ctx context.Context, provider string) (bool, error)
	ProviderPrices(ctx context.Context, provider string) (models.ProviderPrices, error)
	StorageTime(ctx context.Context, provider, requester, hash string) (models.StorageTime, error)
	ReceivedStorageDeposit(ctx context.Context, provider, requester, hash string) (uint64, error)
	RegisteredDataPrice(ctx context.Context, provider, hash string, priceSetBlock uint64) (uint64, error)
}

// PricingFetcher snapshots the chain state a job is priced against. Nothing
// is cached: a re-price takes a new snapshot.
type PricingFetcher struct {
	chain ChainReader
}

// NewPricingFetcher creates a new pricing fetcher
func NewPricingFetcher(chain ChainReader) *PricingFetcher {
	return &PricingFetcher{chain: chain}
}

// Snapshot reads provider prices and per-content storage state for job.
func (pf *PricingFetcher) Snapshot(ctx context.Context, job models.JobEvent) (models.ProviderPrices, models.ChainState, error) {
	state := models.ChainState{Storage: make(map[string]models.StorageState, len(job.ContentHashes))}

	exists, err := pf.chain.ProviderExists(ctx, job.Provider)
	if err != nil {
		return models.ProviderPrices{}, state, err
	}
	if !exists {
		return models.ProviderPrices{}, state, nil
	}
	state.ProviderRegistered = true

	prices, err := pf.chain.ProviderPrices(ctx, job.Provider)
	if err != nil {
		return models.ProviderPrices{}, state, err
	}

	state.CurrentBlock, err = pf.chain.BlockNumber(ctx)
	if err != nil {
		return models.ProviderPrices{}, state, err
	}

	for i, hash := range job.ContentHashes {
		if _, seen := state.Storage[hash]; seen {
			continue
		}
		st, err := pf.chain.StorageTime(ctx, job.Provider, job.Requester, hash)
		if err != nil {
			return models.ProviderPrices{}, state, fmt.Errorf("storage time of %s: %w", hash, err)
		}
		deposit, err := pf.chain.ReceivedStorageDeposit(ctx, job.Provider, job.Requester, hash)
		if err != nil {
			return models.ProviderPrices{}, state, fmt.Errorf("storage deposit of %s: %w", hash, err)
		}
		entry := models.StorageState{StorageTime: st, Deposit: deposit}

		if block := at(job.PriceSetBlocks, i); block > 0 {
			price, err := pf.chain.RegisteredDataPrice(ctx, job.Provider, hash, block)
			if err != nil {
				return models.ProviderPrices{}, state, fmt.Errorf("registered price of %s: %w", hash, err)
			}
			entry.RegisteredPrice = price
			entry.HasRegisteredPrice = true
		}
		state.Storage[hash] = entry
	}
	return prices, state, nil
}

// Quote takes a fresh snapshot and prices job against it.
func (pf *PricingFetcher) Quote(ctx context.Context, calc *CostCalculator, job models.JobEvent) (models.CostBreakdown, error) {
	prices, state, err := pf.Snapshot(ctx, job)
	if err != nil {
		return models.CostBreakdown{}, err
	}
	return calc.Price(job, prices, state)
}
