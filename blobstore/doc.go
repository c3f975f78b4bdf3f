// Package blobstore provides the storage abstraction behind the
// content-addressable store and the ANN index snapshots.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, atomic temp+rename writes, mmap reads
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 (plus s3.DDBCommitStore for conditional pointer commits)
//   - minio.Store: MinIO and other S3-compatible servers
//
// Every implementation guarantees that a blob is either fully visible under
// its name or absent:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)  // visible on Close
//	    Put(ctx, name, data) error               // atomic
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
