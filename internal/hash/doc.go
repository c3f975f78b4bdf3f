// Package hash provides the CRC32-Castagnoli checksums that guard id-map
// records and index snapshot payloads.
//
//	sum := hash.CRC32C(record[:124])
//	if err := hash.Verify(record[:124], stored); err != nil { ... }
package hash
