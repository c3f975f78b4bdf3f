// Package minio stores CAS objects and index snapshots in a MinIO (or any
// S3-compatible) bucket.
//
//	store, err := minio.Dial(ctx, minio.DialConfig{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "media",
//	    Prefix:    "harbor",
//	})
//
// Client errors are classified: misses wrap blobstore.ErrNotFound,
// credential and bucket errors are errs.ErrData, the rest errs.ErrTransient.
package minio
