package ethereum

import (
	"fmt"
	"strings"

	"compute-broker/core/models"

	"github.com/mr-tron/base58"
)

// multihash prefix of a sha2-256 CIDv0
var cidPrefix = []byte{0x12, 0x20}

// EncodeHash packs a content hash into the contract's bytes32 form. CIDv0
// identifiers keep only their 32-byte digest; other hashes are stored as
// ASCII.
func EncodeHash(hash string) ([32]byte, error) {
	var out [32]byte
	if strings.HasPrefix(hash, "Qm") && len(hash) == 46 {
		raw, err := base58.Decode(hash)
		if err != nil {
			return out, fmt.Errorf("decoding %s: %w", hash, err)
		}
		if len(raw) != 34 || raw[0] != cidPrefix[0] || raw[1] != cidPrefix[1] {
			return out, fmt.Errorf("%s is not a sha2-256 CIDv0", hash)
		}
		copy(out[:], raw[2:])
		return out, nil
	}
	if len(hash) == 0 || len(hash) > len(out) {
		return out, fmt.Errorf("hash %q does not fit in 32 bytes", hash)
	}
	copy(out[:], hash)
	return out, nil
}

// DecodeHash is the inverse of EncodeHash. The storage backend decides
// which form the bytes are in.
func DecodeHash(raw [32]byte, storageID models.StorageID) string {
	if storageID.ContentAddressed() {
		return base58.Encode(append(append([]byte{}, cidPrefix...), raw[:]...))
	}
	return strings.TrimRight(string(raw[:]), "\x00")
}
