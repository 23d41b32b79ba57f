// Package minio provides MinIO (and S3-compatible) block storage.
//
// Store is a blockstore.BlobStore; combine it with a SizeRegister in
// blockstore.NewBlobManager.
package minio
