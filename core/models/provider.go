package models

import "fmt"

// StorageID identifies the backend a content hash is fetched from.
type StorageID uint8

const (
	StorageIPFS    StorageID = 0
	StorageEUDAT   StorageID = 1 // remote-share cloud
	StorageIPFSGPG StorageID = 2
	StorageGitHub  StorageID = 3 // version-control host
	StorageGDrive  StorageID = 4
)

func (s StorageID) String() string {
	switch s {
	case StorageIPFS:
		return "ipfs"
	case StorageEUDAT:
		return "eudat"
	case StorageIPFSGPG:
		return "ipfs_gpg"
	case StorageGitHub:
		return "github"
	case StorageGDrive:
		return "gdrive"
	}
	return fmt.Sprintf("storage(%d)", uint8(s))
}

// ParseStorageID is the inverse of String. Unknown names map to an invalid id.
func ParseStorageID(name string) StorageID {
	for id := StorageIPFS; id <= StorageGDrive; id++ {
		if id.String() == name {
			return id
		}
	}
	return StorageID(255)
}

// Valid reports whether s names a known backend.
func (s StorageID) Valid() bool {
	return s <= StorageGDrive
}

// ContentAddressed reports whether hashes on this backend are content
// network identifiers rather than md5 digests.
func (s StorageID) ContentAddressed() bool {
	return s == StorageIPFS || s == StorageIPFSGPG
}

// CacheType is the visibility tier of cached content.
type CacheType uint8

const (
	CacheTypePublic  CacheType = 0
	CacheTypePrivate CacheType = 1
)

func (c CacheType) String() string {
	switch c {
	case CacheTypePublic:
		return "public"
	case CacheTypePrivate:
		return "private"
	}
	return fmt.Sprintf("cache(%d)", uint8(c))
}

// ParseCacheType is the inverse of String.
func ParseCacheType(name string) (CacheType, error) {
	switch name {
	case "public":
		return CacheTypePublic, nil
	case "private":
		return CacheTypePrivate, nil
	}
	return 0, fmt.Errorf("unknown cache tier %q", name)
}

// ProviderPrices holds the unit prices a provider registered on the ledger.
type ProviderPrices struct {
	PriceCoreMin      uint64
	PriceDataTransfer uint64
	PriceStorage      uint64
	PriceCache        uint64
}

// StorageTime is the ledger's storage record for one content hash.
type StorageTime struct {
	ReceivedBlock   uint64
	StorageDuration uint64
	IsPrivate       bool
	IsVerifiedUsed  bool
}

// StorageState is the chain state the cost model needs per content hash.
type StorageState struct {
	StorageTime
	Deposit            uint64
	RegisteredPrice    uint64
	HasRegisteredPrice bool
}

// ChainState is a snapshot of ledger state taken right before pricing.
type ChainState struct {
	CurrentBlock       uint64
	ProviderRegistered bool
	Storage            map[string]StorageState
}
