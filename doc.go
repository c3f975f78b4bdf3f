// Package bitharbor ingests media into a content-addressed store and serves
// semantic search over their embeddings.
//
// # Quick Start
//
//	ctx := context.Background()
//	h, _ := bitharbor.Open(ctx, "./data")
//	defer h.Close()
//
//	out, _ := h.Ingest(ctx, ingest.Bundle{
//	    PrimaryAssetPath: "/downloads/heat.mkv",
//	    MediaType:        model.MediaMovie,
//	    RawMetadata:      map[string]any{"title": "Heat", "year": 1995},
//	})
//
//	results, _ := h.Search(ctx, search.Query{Text: "bank heist in los angeles", K: 10})
//	for _, r := range results {
//	    fmt.Println(r.MediaID, r.Score, r.Record.Title())
//	}
//
// # Ingest
//
// An ingest hashes the primary asset, deduplicates on the content hash,
// stores the asset, embeds a reference to it, appends the canonical vector
// and commits the metadata record. The metadata commit is the commit point:
// an attempt that fails or is cancelled before it rolls back the row and
// the stored object. Ingesting the same bytes twice only touches the
// existing record.
//
// # Search
//
// New rows become searchable when the background index rebuild publishes a
// snapshot that covers them. Rebuilds are requested after every
// WithRebuildThreshold appended rows, or run synchronously with Rebuild.
// Replaced and rolled back rows are filtered immediately.
//
// # Storage
//
// A data directory holds the vector store (vectors/), the Badger metadata
// store (metadata/) and, unless WithBlobStore points elsewhere, the content
// objects and index snapshots (blobs/).
//
//	s3Store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("harbor/"))
//	h, _ := bitharbor.Open(ctx, "./data", bitharbor.WithBlobStore(s3Store))
//
// # Errors
//
// Errors are classified as ErrTransient, ErrData, ErrConsistency or
// ErrNotFound; branch on them with errors.Is.
package bitharbor
