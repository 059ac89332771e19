// Package cache defines the remote layer for nodepack's cache archives. The
// remote layer is strictly best effort: a miss, a failed download or a failed
// upload never fails a build.
package cache

import "context"

// RemoteCache mirrors the local cache archive directory.
type RemoteCache interface {
	// Download makes a best-effort attempt at fetching the named archives
	// into dest. A miss is not an error. Download produces files named
	// `<dest>/<name>`.
	Download(ctx context.Context, dest string, names []string) error

	// Upload makes a best-effort attempt at uploading the named archives
	// from source. Upload expects files named `<source>/<name>`.
	Upload(ctx context.Context, source string, names []string) error
}

// ObjectStorage abstracts the storage backend a RemoteCache is built on.
type ObjectStorage interface {
	// HasObject checks if an object exists.
	HasObject(ctx context.Context, key string) (bool, error)

	// GetObject downloads an object to a local file.
	GetObject(ctx context.Context, key string, dest string) (int64, error)

	// UploadObject uploads a local file to remote storage.
	UploadObject(ctx context.Context, key string, src string) error
}

// Config holds configuration for remote cache implementations.
type Config struct {
	// BucketName for object storage.
	BucketName string

	// Region for services that require it (e.g. S3).
	Region string
}
