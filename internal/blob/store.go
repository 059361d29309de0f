// Package blob defines the pluggable storage backend contract and the
// concrete backends that implement it: local filesystem, S3-compatible
// object storage, Azure Blob Storage, and an OAuth-backed consumer cloud
// drive.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// BackendID identifies one configured backend instance, e.g. "local-primary"
// or "s3-archive". It is stable across restarts and referenced from blob
// references and migration records.
type BackendID string

// Type names the backend implementation kind.
type Type string

const (
	TypeLocal      Type = "local"
	TypeS3         Type = "s3"
	TypeAzure      Type = "azure"
	TypeCloudDrive Type = "clouddrive"
)

// Key addresses an object within a single backend. Keys are forward-slash
// separated paths and contain no backend identity; the same Key means
// different bytes in different backends.
type Key string

// ErrNotExist is returned by Download (and by Move for a missing source) when
// Key does not exist. Delete of a missing key is not an error.
var ErrNotExist = errors.New("blob: object does not exist")

// ObjectInfo describes metadata returned by Exists/Stat-style calls.
type ObjectInfo struct {
	Key          Key
	Size         int64
	ETag         string
	LastModified time.Time
}

// Stats summarizes one backend's capacity.
type Stats struct {
	BackendID   BackendID
	Type        Type
	UsedBytes   int64
	FreeBytes   int64 // 0 when the backend cannot report free space (e.g. most object stores)
	ObjectCount int64
}

// ProgressFunc is called periodically during Upload with bytes transferred
// so far and the total size (total is -1 if unknown). The backends in this
// module do not call DownloadOpts.Progress.
type ProgressFunc func(transferred, total int64)

// UploadOpts customizes a single Upload call.
type UploadOpts struct {
	ContentType string
	Progress    ProgressFunc
}

// DownloadOpts customizes a single Download call.
type DownloadOpts struct {
	// Offset and Length request a byte range; Length 0 means "to the end".
	Offset   int64
	Length   int64
	Progress ProgressFunc
}

// Store is the contract every backend implements. All methods must be safe
// for concurrent use by multiple goroutines.
type Store interface {
	// ID returns the backend's configured identifier.
	ID() BackendID
	// Type returns the backend implementation kind.
	Type() Type

	// Upload writes all of r to key, replacing any existing object.
	Upload(ctx context.Context, key Key, r io.Reader, size int64, opts UploadOpts) error

	// Download returns a reader for key (or the requested range). The caller
	// must Close the returned reader.
	Download(ctx context.Context, key Key, opts DownloadOpts) (io.ReadCloser, ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// DeleteBatch removes multiple keys, returning a per-key error map for
	// any that failed (the operation is best-effort: one failure does not
	// abort the rest).
	DeleteBatch(ctx context.Context, keys []Key) map[Key]error

	// Exists reports whether key is present and, if so, its metadata.
	Exists(ctx context.Context, key Key) (bool, ObjectInfo, error)

	// URL returns a (possibly time-limited) URL a client can use to fetch
	// key directly, if the backend supports that; ok is false otherwise.
	URL(ctx context.Context, key Key, expiry time.Duration) (url string, ok bool, err error)

	// Move relocates src to dst within the same backend. Backends without a
	// native rename fall back to copy-then-delete.
	Move(ctx context.Context, src, dst Key) error

	// MoveBatch moves multiple keys, returning a per-source error map for
	// any that failed.
	MoveBatch(ctx context.Context, moves map[Key]Key) map[Key]error

	// Stats reports capacity and object count for this backend.
	Stats(ctx context.Context) (Stats, error)
}

// ChunkedDownloader is an optional capability: backends that can fetch
// non-overlapping byte ranges concurrently implement it so callers can use
// DownloadConcurrent (concurrent.go) for large objects.
type ChunkedDownloader interface {
	Store
	// DownloadRange fetches exactly [offset, offset+length) of key.
	DownloadRange(ctx context.Context, key Key, offset, length int64) (io.ReadCloser, error)
	// Size returns the total size of key, used to plan chunk boundaries.
	Size(ctx context.Context, key Key) (int64, error)
}
