package cos

import (
	"hash"
	"hash/crc32"
)

// castagnoliTable is the Castagnoli polynomial (0x1EDC6F41) CRC-32C table
// required by the archive format (reflected, init/xor-out 0xFFFFFFFF,
// exactly what hash/crc32's IEEE-style implementation already does for any
// supplied table).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli CRC-32 of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// NewCRC32C returns a streaming CRC-32C hash.Hash32, for computing a
// checksum incrementally while copying bytes (e.g. ShardSet.Append).
func NewCRC32C() hash.Hash32 { return crc32.New(castagnoliTable) }
