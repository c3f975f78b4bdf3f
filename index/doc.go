// Package index maintains the approximate nearest neighbor index over the
// vector store.
//
// A Snapshot is an immutable HNSW graph over the live rows of a prefix of the
// store, plus per-media-type membership bitmaps used for filtering. The
// Manager holds the current snapshot behind an atomic pointer and replaces it
// with a freshly built one in the background; searches never wait for a
// rebuild and never see a partially built graph.
//
// Snapshots are persisted as
//
//	<dir>/SNAPSHOT-<build>.bin   header | CRC32C | compressed payload
//	<dir>/CURRENT                decimal build number
//
// The snapshot is written before the pointer, so the pointer only ever names
// complete files. Vectors are not part of a snapshot; they are read back from
// the vector store, whose committed rows never change.
package index
