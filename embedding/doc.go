// Package embedding turns media references into raw embedding vectors.
//
// An Embedder receives a Reference (descriptive text plus the stored asset's
// CAS key) and a modality hint, and returns a raw vector of its configured
// dimension. Vectors are canonicalized by the caller.
//
// Implementations:
//
//   - [OpenAI] calls the OpenAI embeddings API (or any compatible provider).
//   - [Hashing] is an offline, deterministic feature-hashing embedder.
//   - [RateLimited] wraps another Embedder with a request rate and an
//     in-flight limit.
package embedding
