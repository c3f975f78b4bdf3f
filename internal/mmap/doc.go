// Package mmap maps immutable local blobs (CAS objects, index snapshots)
// read-only into memory. It uses golang.org/x/sys on every platform.
package mmap
