package pack

import (
	"hash"
	"hash/crc32"
)

// newCRC32 returns the CRC-32/IEEE hash used for each entry's on-disk
// checksum, matching the polynomial git's own .idx format uses.
func newCRC32() hash.Hash32 {
	return crc32.NewIEEE()
}
