// Package distance provides the vector kernels used by the ANN graph and the
// exact re-ranking step. Canonical vectors are unit length, so cosine
// distance reduces to 1 - dot.
package distance
