package objstore

import (
	"context"
	"io"
	"time"
)

// Backend is the set of primitive verbs a provider has to offer. Keys are
// full object keys, the bucket prefix already applied. Implementations must
// honor ctx and must report a missing object on Delete as success.
type Backend interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Put creates or replaces key with the content of body. size is the
	// declared content length.
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error)

	// Get opens key for reading. The returned Body is read lazily.
	Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error)

	// Head returns the attributes of key without its content.
	Head(ctx context.Context, key string) (*ObjectAttrs, error)

	// Delete removes up to MaxKeysPerDelete keys in one call. Per-key
	// failures are returned as KeyFailures; the error is reserved for a
	// failure of the call as a whole.
	Delete(ctx context.Context, keys []string) ([]KeyFailure, error)

	// MaxKeysPerDelete is the batch size of Delete; 1 when the provider has
	// no batch API.
	MaxKeysPerDelete() int

	// List returns one page of keys below req.Prefix.
	List(ctx context.Context, req ListRequest) (*ListPage, error)

	Close() error
}

// GetOptions are the resolved download parameters handed to a Backend.
type GetOptions struct {
	Range     ByteRange
	ETag      string
	VersionID string
}

// KeyFailure is a key a batch delete could not remove.
type KeyFailure struct {
	Key string
	Err error
}

type ListRequest struct {
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string
}

type ListEntry struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListPage is one page of a listing. NextToken is empty on the last page.
type ListPage struct {
	Objects   []ListEntry
	Prefixes  []string
	NextToken string
}
