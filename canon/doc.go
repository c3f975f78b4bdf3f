// Package canon computes content hashes of raw assets and the canonical form
// of embedding vectors.
//
// Two embeddings that differ only by floating-point noise canonicalize to the
// same bytes and therefore the same VectorHash:
//
//	v, err := canon.Canonicalize(raw)   // unit norm, 6 decimal digits
//	vh := canon.HashVector(v)
//	ch, size, err := canon.HashFile("movie.mkv")
package canon
