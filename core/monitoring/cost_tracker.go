package monitoring

import (
	"context"
	"log/slog"
	"sync"

	"compute-broker/core/models"
)

// RevenueReader reads the provider's balance on the ledger.
type RevenueReader interface {
	ProviderReceivedAmount(ctx context.Context, provider string) (uint64, error)
}

// RevenueTracker follows the provider's received amount across poll cycles
// and the prices quoted for admitted jobs.
type RevenueTracker struct {
	chain    RevenueReader
	provider string

	mu       sync.RWMutex
	received uint64
	sampled  bool
	quoted   uint64
	quotes   int
}

// NewRevenueTracker creates a new revenue tracker
func NewRevenueTracker(chain RevenueReader, provider string) *RevenueTracker {
	return &RevenueTracker{chain: chain, provider: provider}
}

// Sample reads the current received amount and returns the change since the
// previous sample. The first sample only sets the baseline.
func (rt *RevenueTracker) Sample(ctx context.Context) (uint64, error) {
	amount, err := rt.chain.ProviderReceivedAmount(ctx, rt.provider)
	if err != nil {
		return 0, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	var delta uint64
	if rt.sampled && amount > rt.received {
		delta = amount - rt.received
		slog.InfoContext(ctx, "provider received payment", "received", amount, "delta", delta)
	}
	rt.received = amount
	rt.sampled = true
	return delta, nil
}

// RecordQuote adds an admitted job's price to the quoted total.
func (rt *RevenueTracker) RecordQuote(cost models.CostBreakdown) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.quoted += cost.Total()
	rt.quotes++
}

// Received returns the last sampled amount.
func (rt *RevenueTracker) Received() uint64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.received
}

// Quoted returns the total quoted price and the number of quotes.
func (rt *RevenueTracker) Quoted() (uint64, int) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.quoted, rt.quotes
}
