// Package ingest drives media items from an acquired bundle to a durable,
// deduplicated, embedded and searchable record.
//
// Each item moves through the stages
//
//	Acquired -> Hashed -> DedupChecked -> Stored -> Embedded ->
//	VectorAppended -> IndexedPending -> MetadataCommitted
//
// and fails with a *StageError naming the last stage it reached. The metadata
// commit is the commit point: any failure or cancellation before it rolls the
// item back (appended rows are tombstoned, a replaced row is restored, and a
// content object this attempt created is deleted when nothing references it).
//
// At most one ingest per content hash is in flight at a time. The per-hash
// lock is shared with the content store.
package ingest
