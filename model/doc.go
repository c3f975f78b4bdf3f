// Package model defines the identifiers shared by the ingest pipeline, the
// vector store and the ANN index.
//
//   - RowID: append-order vector row identifier (uint64, gap-free)
//   - MediaType: movie, tv, music, personal, video, image, audio
//   - ContentHash: BLAKE3-256 of raw asset bytes, sharded for storage
//   - VectorHash: BLAKE3-256 of a canonical vector
//   - IdMapEntry: row -> (media id, media type, tombstone)
package model
