// Package hnsw implements Hierarchical Navigable Small World graphs.
//
// A Graph is built once over a dense range of node ids [0, n) and is
// immutable afterwards, so any number of goroutines may search it without
// locking. Vectors are not owned by the graph; they are fetched through a
// VectorFunc, which lets the caller serve them from its own storage.
//
// # Parameters
//
//   - M: max connections per node on upper levels (default: 16), 2*M on level 0
//   - EFConstruction: candidate list size while building (default: 200)
//   - EFSearch: default candidate list size while searching (default: 100)
//   - Seed: level assignment is drawn from a seeded RNG, so a build over the
//     same vectors with the same seed yields the same graph
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
