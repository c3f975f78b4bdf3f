// Package cas stores raw media assets by content hash.
//
// Objects live under objects/<h[0:2]>/<h[2:4]>/<hex> in any blobstore. Puts
// are idempotent and atomic: a concurrent reader sees either the full object
// or nothing. Writers of one hash are serialized through a per-hash lock that
// the ingest orchestrator shares for its dedup check.
package cas
