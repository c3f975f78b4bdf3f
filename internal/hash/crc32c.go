package hash

import (
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/hupe1980/bitharbor/errs"
)

// ErrChecksumMismatch is returned when stored and computed checksums differ.
var ErrChecksumMismatch = errs.ErrChecksum

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// Verify checks data against an expected CRC32C.
func Verify(data []byte, want uint32) error {
	if got := CRC32C(data); got != want {
		return fmt.Errorf("%w: got %08x, want %08x", ErrChecksumMismatch, got, want)
	}
	return nil
}
