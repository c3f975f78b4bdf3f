// Package vectorstore is the append-only store of canonical vectors.
//
// Two files live in the store directory:
//
//	vectors.f32  header | row 0 | row 1 | ...      (dim little-endian float32 per row)
//	idmap.bin    header | record 0 | record 1 | ... (128-byte records, CRC32C each)
//
// An append writes and syncs the vector row, then writes and syncs the id-map
// record. The id-map record is the commit point: on open, vector rows past
// the last valid record are truncated away, so a crash never leaves a row
// that is visible without its id-map entry or vice versa.
//
// Row ids are dense and never reused. Tombstoning rewrites the record's flag
// byte in place; row content is never modified.
package vectorstore
