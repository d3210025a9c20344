package aggregator

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// Aggregator-v1 state items store a bare u128 in 16 little-endian bytes.

// LegacyU128Bytes encodes v in the aggregator-v1 wire form.
func LegacyU128Bytes(v *uint256.Int) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v[0])
	binary.LittleEndian.PutUint64(b[8:16], v[1])
	return b[:]
}

// LegacyU128FromBytes decodes the aggregator-v1 wire form.
func LegacyU128FromBytes(b []byte) (*uint256.Int, bool) {
	if len(b) != 16 {
		return nil, false
	}
	v := new(uint256.Int)
	v[0] = binary.LittleEndian.Uint64(b[0:8])
	v[1] = binary.LittleEndian.Uint64(b[8:16])
	return v, true
}
