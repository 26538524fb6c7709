// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"compute-broker/core/ledger"
	"compute-broker/core/models"
)

type jobRef struct {
	key   string
	index uint32
}

type storageRef struct {
	requester string
	hash      string
}

// Refund is a recorded refund call.
type Refund struct {
	ledger.RefundRequest
}

// Running is a recorded setJobStatusRunning call.
type Running struct {
	JobKey    string
	Index     uint32
	JobID     uint32
	StartTime uint64
}

// Fake is a mutable in-memory ledger.
type Fake struct {
	mu sync.Mutex

	Head     uint64
	Deployed uint64
	Events   []models.JobEvent
	Jobs     map[jobRef]models.LedgerJob

	Requesters map[string]bool
	Verified   map[string]bool
	Providers  map[string]models.ProviderPrices
	Received   map[string]uint64

	StorageTimes     map[storageRef]models.StorageTime
	Deposits         map[storageRef]uint64
	RegisteredPrices map[string]uint64

	// Err, when set, is returned by every read as a connectivity failure.
	Err error

	Refunds  []Refund
	Runnings []Running

	// HeadAdvance is added to Head after each BlockNumber call.
	HeadAdvance uint64

	blockCalls int
}

var _ ledger.Ledger = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Jobs:             make(map[jobRef]models.LedgerJob),
		Requesters:       make(map[string]bool),
		Verified:         make(map[string]bool),
		Providers:        make(map[string]models.ProviderPrices),
		Received:         make(map[string]uint64),
		StorageTimes:     make(map[storageRef]models.StorageTime),
		Deposits:         make(map[storageRef]uint64),
		RegisteredPrices: make(map[string]uint64),
	}
}

// SetJob records the ledger state of (key, index).
func (f *Fake) SetJob(key string, index uint32, job models.LedgerJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Jobs[jobRef{key, index}] = job
}

// AddRequester registers a requester, optionally ORCID-verified.
func (f *Fake) AddRequester(addr string, verified bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requesters[addr] = true
	f.Verified[addr] = verified
}

// SetStorage sets the storage deposit record for (requester, hash).
func (f *Fake) SetStorage(requester, hash string, st models.StorageTime, deposit uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StorageTimes[storageRef{requester, hash}] = st
	f.Deposits[storageRef{requester, hash}] = deposit
}

// SetRegisteredPrice registers a fixed data price for hash at block.
func (f *Fake) SetRegisteredPrice(hash string, block, price uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisteredPrices[fmt.Sprintf("%s@%d", hash, block)] = price
}

func (f *Fake) fail(op string) error {
	if f.Err == nil {
		return nil
	}
	return &models.ConnectivityError{Target: "ledger", Op: op, Err: f.Err}
}

func (f *Fake) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("blockNumber"); err != nil {
		return 0, err
	}
	f.blockCalls++
	head := f.Head
	f.Head += f.HeadAdvance
	return head, nil
}

// BlockNumberCalls counts BlockNumber invocations.
func (f *Fake) BlockNumberCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockCalls
}

func (f *Fake) DeployedBlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getDeployedBlockNumber"); err != nil {
		return 0, err
	}
	return f.Deployed, nil
}

func (f *Fake) JobEvents(_ context.Context, provider string, from, to uint64) ([]models.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getLogs"); err != nil {
		return nil, err
	}
	var out []models.JobEvent
	for _, ev := range f.Events {
		if ev.Provider == provider && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) JobInfo(_ context.Context, _ string, key string, index uint32) (models.LedgerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getJobInfo"); err != nil {
		return models.LedgerJob{}, err
	}
	return f.Jobs[jobRef{key, index}], nil
}

func (f *Fake) RequesterExists(_ context.Context, requester string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("doesRequesterExist"); err != nil {
		return false, err
	}
	return f.Requesters[requester], nil
}

func (f *Fake) RequesterVerified(_ context.Context, requester string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("isOrcIDVerified"); err != nil {
		return false, err
	}
	return f.Verified[requester], nil
}

func (f *Fake) ProviderExists(_ context.Context, provider string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("doesProviderExist"); err != nil {
		return false, err
	}
	_, ok := f.Providers[provider]
	return ok, nil
}

func (f *Fake) ProviderPrices(_ context.Context, provider string) (models.ProviderPrices, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getProviderInfo"); err != nil {
		return models.ProviderPrices{}, err
	}
	return f.Providers[provider], nil
}

func (f *Fake) ProviderReceivedAmount(_ context.Context, provider string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getProviderReceivedAmount"); err != nil {
		return 0, err
	}
	return f.Received[provider], nil
}

func (f *Fake) StorageTime(_ context.Context, _ string, requester, hash string) (models.StorageTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getJobStorageTime"); err != nil {
		return models.StorageTime{}, err
	}
	return f.StorageTimes[storageRef{requester, hash}], nil
}

func (f *Fake) ReceivedStorageDeposit(_ context.Context, _ string, requester, hash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getReceivedStorageDeposit"); err != nil {
		return 0, err
	}
	return f.Deposits[storageRef{requester, hash}], nil
}

func (f *Fake) RegisteredDataPrice(_ context.Context, _ string, hash string, block uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getRegisteredDataPrice"); err != nil {
		return 0, err
	}
	return f.RegisteredPrices[fmt.Sprintf("%s@%d", hash, block)], nil
}

func (f *Fake) Refund(_ context.Context, req ledger.RefundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("refund"); err != nil {
		return "", err
	}
	f.Refunds = append(f.Refunds, Refund{req})
	return fmt.Sprintf("0xrefund%d", len(f.Refunds)), nil
}

func (f *Fake) SetJobStatusRunning(_ context.Context, key string, index, jobID uint32, startTime uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("setJobStatusRunning"); err != nil {
		return "", err
	}
	f.Runnings = append(f.Runnings, Running{JobKey: key, Index: index, JobID: jobID, StartTime: startTime})
	return fmt.Sprintf("0xrunning%d", len(f.Runnings)), nil
}

// RefundCount returns the number of refunds issued so far.
func (f *Fake) RefundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Refunds)
}
