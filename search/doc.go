// Package search answers similarity queries over the published index.
//
// A query is embedded and canonicalized, the ANN index is asked for an
// overfetched candidate set, candidates are re-checked against the vector
// store's id-map (tombstones, media type), re-ranked by exact cosine
// similarity, cut at K (and at MinScore when one is set), and hydrated
// from the metadata store.
// Rows without a committed metadata record are not visible.
package search
