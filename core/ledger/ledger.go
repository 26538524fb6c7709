// Package ledger defines the broker's view of the job ledger contract.
package ledger

import (
	"context"

	"compute-broker/core/models"
)

// Reader queries ledger state. Implementations report transport failures
// as *models.ConnectivityError.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	DeployedBlockNumber(ctx context.Context) (uint64, error)
	// JobEvents returns the provider's job submissions in [from, to], in ledger order.
	JobEvents(ctx context.Context, provider string, from, to uint64) ([]models.JobEvent, error)
	JobInfo(ctx context.Context, provider, jobKey string, index uint32) (models.LedgerJob, error)
	RequesterExists(ctx context.Context, requester string) (bool, error)
	RequesterVerified(ctx context.Context, requester string) (bool, error)
	ProviderExists(ctx context.Context, provider string) (bool, error)
	ProviderPrices(ctx context.Context, provider string) (models.ProviderPrices, error)
	ProviderReceivedAmount(ctx context.Context, provider string) (uint64, error)
	StorageTime(ctx context.Context, provider, requester, hash string) (models.StorageTime, error)
	ReceivedStorageDeposit(ctx context.Context, provider, requester, hash string) (uint64, error)
	RegisteredDataPrice(ctx context.Context, provider, hash string, priceSetBlock uint64) (uint64, error)
}

// RefundRequest identifies the job whose deposit is returned to the requester.
type RefundRequest struct {
	Provider string
	JobKey   string
	Index    uint32
	JobID    uint32
	Cores    []uint64
	RunTimes []uint64
}

// Writer submits provider-side transactions.
type Writer interface {
	Refund(ctx context.Context, req RefundRequest) (string, error)
	SetJobStatusRunning(ctx context.Context, jobKey string, index, jobID uint32, startTime uint64) (string, error)
}

// Ledger is the full contract surface used by the broker.
type Ledger interface {
	Reader
	Writer
}
