// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
//	store, err := s3.New(ctx, "media-bucket",
//	    s3.WithPrefix("harbor/"),
//	    s3.WithRegion("eu-central-1"),
//	)
//
// Single blobs are written with one PutObject (atomic on S3); streamed CAS
// assets go through the multipart uploader and appear only on completion.
//
// S3 has no compare-and-swap, so the index pointer can optionally be kept in
// DynamoDB with [DDBCommitStore], which rejects stale or duplicate builds.
package s3
