/*
Package objstore provides one client for remote object storage that behaves the same regardless of whether objects
live in AWS S3 (or an S3-compatible store), Google Cloud Storage, Azure Blob Storage, or a directory on the local
filesystem. Application code depends on Client only; the provider SDKs sit behind the Backend interface and are
selected once, when the Client is built from a RemoteStorageConfig.

Limitations and Design Considerations

Concurrency - every Client owns a ConcurrencyLimiter. Each backend call holds one permit, so a storage engine pushing
many segments at once cannot overwhelm the provider or the local network stack. Downloads give their permit back as
soon as the response headers are confirmed; a slow reader of the body does not starve other callers.

Timeouts - there are two tiers. Uploads, deletes, listings and normal downloads use RemoteStorageConfig.Timeout.
Small downloads and metadata calls (Head, Exists) use RemoteStorageConfig.SmallTimeout.

Cancellation - the caller's context.Context is the cancellation signal. A cancelled context is reported as
ErrCancelled, never as a provider error, and an operation that finds its context already cancelled never reaches the
backend.

Errors - the standard gRPC status codes (https://github.com/grpc/grpc/blob/master/doc/statuscodes.md) correspond
closely to the needs of object storage, so provider failures are reported as a BackendError carrying one of those
codes next to the provider's own error code. Everything else is a sentinel (ErrNotFound, ErrNotModified, ...) that
can be matched with errors.Is.

Retries - only BackendErrors marked Retryable are retried, with bounded exponential backoff. Uploads are replayed only
when the body can be rewound (io.Seeker).

Consistency guarantees - whatever the single provider call guarantees. Two concurrent uploads to the same path race
and the last writer wins; there are no multi-object transactions.
*/
package objstore
