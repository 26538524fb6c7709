package models

// CostBreakdown is the price of a job split by component.
type CostBreakdown struct {
	Computational   uint64 `json:"computational"`
	Cache           uint64 `json:"cache"`
	Storage         uint64 `json:"storage"`
	DataTransferIn  uint64 `json:"data_transfer_in"`
	DataTransferOut uint64 `json:"data_transfer_out"`
}

// DataTransfer is the combined inbound and outbound transfer cost.
func (c CostBreakdown) DataTransfer() uint64 {
	return c.DataTransferIn + c.DataTransferOut
}

// Total is the full job price.
func (c CostBreakdown) Total() uint64 {
	return c.Computational + c.Cache + c.Storage + c.DataTransfer()
}
