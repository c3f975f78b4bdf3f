// Package searcher provides the heaps and visited sets used by graph
// traversal. Both are reusable: Reset clears them without releasing memory,
// so callers keep them in a sync.Pool across queries.
package searcher
