// Package ethereum reads and writes the job ledger contract over JSON-RPC.
package ethereum

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math/big"

	"compute-broker/core/ledger"
	"compute-broker/core/models"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

//go:embed abi.json
var contractABI []byte

const logJobEvent = "LogJob"

// Config locates the contract and the provider account.
type Config struct {
	RPCURL          string
	ContractAddress string
	ProviderAddress string
	GasLimit        uint64
}

// Client implements ledger.Ledger against a deployed contract. Transactions
// are signed by the node's unlocked provider account.
type Client struct {
	rpc      *rpc.Client
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	provider common.Address
	gasLimit uint64
}

var _ ledger.Ledger = (*Client)(nil)

func ParseABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(contractABI))
}

// Dial connects to the node at cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	if !common.IsHexAddress(cfg.ProviderAddress) {
		return nil, fmt.Errorf("invalid provider address %q", cfg.ProviderAddress)
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parsing contract abi: %w", err)
	}
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &models.ConnectivityError{Target: "ledger", Op: "dial", Err: err}
	}
	return &Client{
		rpc:      rc,
		eth:      ethclient.NewClient(rc),
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		provider: common.HexToAddress(cfg.ProviderAddress),
		gasLimit: cfg.GasLimit,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func connErr(op string, err error) error {
	return &models.ConnectivityError{Target: "ledger", Op: op, Err: err}
}

// call runs a read-only contract method at the latest block.
func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	out, err := c.eth.CallContract(ctx, goethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, connErr(method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, connErr("eth_blockNumber", err)
	}
	return n, nil
}

func (c *Client) DeployedBlockNumber(ctx context.Context) (uint64, error) {
	values, err := c.call(ctx, "getDeployedBlockNumber")
	if err != nil {
		return 0, err
	}
	return uint64(values[0].(uint32)), nil
}

func (c *Client) JobEvents(ctx context.Context, provider string, from, to uint64) ([]models.JobEvent, error) {
	event := c.abi.Events[logJobEvent]
	query := goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{event.ID},
			{common.BytesToHash(common.HexToAddress(provider).Bytes())},
		},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, connErr("eth_getLogs", err)
	}

	events := make([]models.JobEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeLogJob(c.abi, lg)
		if err != nil {
			return nil, fmt.Errorf("decoding log in block %d: %w", lg.BlockNumber, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// logJob mirrors the non-indexed fields of the LogJob event.
type logJob struct {
	JobKey                string
	Index                 uint32
	CloudStorageID        []uint8
	SourceCodeHash        [][32]byte
	CacheType             []uint8
	Core                  []uint16
	RunTime               []uint16
	StorageDuration       []uint32
	DataTransferIn        []uint32
	DataTransferOut       uint32
	DataPricesSetBlockNum []uint32
	Received              *big.Int
	JobDesc               string
}

// DecodeLogJob converts a raw LogJob log into a job event.
func DecodeLogJob(contract abi.ABI, lg types.Log) (models.JobEvent, error) {
	if len(lg.Topics) < 3 {
		return models.JobEvent{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	var raw logJob
	if err := contract.UnpackIntoInterface(&raw, logJobEvent, lg.Data); err != nil {
		return models.JobEvent{}, err
	}

	ev := models.JobEvent{
		BlockNumber:     lg.BlockNumber,
		TxIndex:         lg.TxIndex,
		LogIndex:        lg.Index,
		Provider:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Requester:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		JobKey:          raw.JobKey,
		Index:           raw.Index,
		DataTransferOut: uint64(raw.DataTransferOut),
		Description:     raw.JobDesc,
	}
	for _, id := range raw.CloudStorageID {
		ev.StorageIDs = append(ev.StorageIDs, models.StorageID(id))
	}
	for _, ct := range raw.CacheType {
		ev.CacheTypes = append(ev.CacheTypes, models.CacheType(ct))
	}
	for i, h := range raw.SourceCodeHash {
		ev.ContentHashes = append(ev.ContentHashes, DecodeHash(h, ev.StorageIDAt(i)))
	}
	for _, v := range raw.Core {
		ev.Cores = append(ev.Cores, uint64(v))
	}
	for _, v := range raw.RunTime {
		ev.RunTimes = append(ev.RunTimes, uint64(v))
	}
	ev.StorageHours = widen(raw.StorageDuration)
	ev.DataTransferIns = widen(raw.DataTransferIn)
	ev.PriceSetBlocks = widen(raw.DataPricesSetBlockNum)
	return ev, nil
}

func widen(values []uint32) []uint64 {
	out := make([]uint64, len(values))
	for i, v := range values {
		out[i] = uint64(v)
	}
	return out
}

func (c *Client) JobInfo(ctx context.Context, provider, jobKey string, index uint32) (models.LedgerJob, error) {
	values, err := c.call(ctx, "getJobInfo", common.HexToAddress(provider), jobKey, index, uint32(0))
	if err != nil {
		return models.LedgerJob{}, err
	}
	return models.LedgerJob{
		State:     models.LedgerState(values[0].(uint8)),
		StartTime: uint64(values[1].(uint32)),
		Requester: values[2].(common.Address).Hex(),
		Received:  values[3].(*big.Int).Uint64(),
	}, nil
}

func (c *Client) RequesterExists(ctx context.Context, requester string) (bool, error) {
	return c.callBool(ctx, "doesRequesterExist", common.HexToAddress(requester))
}

func (c *Client) RequesterVerified(ctx context.Context, requester string) (bool, error) {
	return c.callBool(ctx, "isOrcIDVerified", common.HexToAddress(requester))
}

func (c *Client) ProviderExists(ctx context.Context, provider string) (bool, error) {
	return c.callBool(ctx, "doesProviderExist", common.HexToAddress(provider))
}

func (c *Client) ProviderPrices(ctx context.Context, provider string) (models.ProviderPrices, error) {
	values, err := c.call(ctx, "getProviderInfo", common.HexToAddress(provider), uint32(0))
	if err != nil {
		return models.ProviderPrices{}, err
	}
	return models.ProviderPrices{
		PriceCoreMin:      uint64(values[3].(uint32)),
		PriceDataTransfer: uint64(values[4].(uint32)),
		PriceStorage:      uint64(values[5].(uint32)),
		PriceCache:        uint64(values[6].(uint32)),
	}, nil
}

func (c *Client) ProviderReceivedAmount(ctx context.Context, provider string) (uint64, error) {
	values, err := c.call(ctx, "getProviderReceivedAmount", common.HexToAddress(provider))
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Uint64(), nil
}

func (c *Client) StorageTime(ctx context.Context, provider, requester, hash string) (models.StorageTime, error) {
	key, err := EncodeHash(hash)
	if err != nil {
		return models.StorageTime{}, err
	}
	values, err := c.call(ctx, "getJobStorageTime", common.HexToAddress(provider), common.HexToAddress(requester), key)
	if err != nil {
		return models.StorageTime{}, err
	}
	return models.StorageTime{
		ReceivedBlock:   uint64(values[0].(uint32)),
		StorageDuration: uint64(values[1].(uint32)),
		IsPrivate:       values[2].(bool),
		IsVerifiedUsed:  values[3].(bool),
	}, nil
}

func (c *Client) ReceivedStorageDeposit(ctx context.Context, provider, requester, hash string) (uint64, error) {
	key, err := EncodeHash(hash)
	if err != nil {
		return 0, err
	}
	values, err := c.call(ctx, "getReceivedStorageDeposit", common.HexToAddress(provider), common.HexToAddress(requester), key)
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Uint64(), nil
}

func (c *Client) RegisteredDataPrice(ctx context.Context, provider, hash string, priceSetBlock uint64) (uint64, error) {
	key, err := EncodeHash(hash)
	if err != nil {
		return 0, err
	}
	values, err := c.call(ctx, "getRegisteredDataPrice", common.HexToAddress(provider), key, uint32(priceSetBlock))
	if err != nil {
		return 0, err
	}
	return uint64(values[0].(uint32)), nil
}

// transact sends a transaction from the provider account and returns its hash.
func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("packing %s: %w", method, err)
	}
	tx := map[string]interface{}{
		"from": c.provider,
		"to":   c.contract,
		"data": hexutil.Bytes(data),
	}
	if c.gasLimit > 0 {
		tx["gas"] = hexutil.Uint64(c.gasLimit)
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return "", connErr(method, err)
	}
	return hash.Hex(), nil
}

func (c *Client) Refund(ctx context.Context, req ledger.RefundRequest) (string, error) {
	return c.transact(ctx, "refund",
		common.HexToAddress(req.Provider),
		req.JobKey,
		req.Index,
		req.JobID,
		narrow(req.Cores),
		narrow(req.RunTimes),
	)
}

func (c *Client) SetJobStatusRunning(ctx context.Context, jobKey string, index, jobID uint32, startTime uint64) (string, error) {
	return c.transact(ctx, "setJobStatusRunning", jobKey, index, jobID, uint32(startTime))
}

func narrow(values []uint64) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = uint16(v)
	}
	return out
}
