package objstore

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const gcsDefaultPageSize = 1000

type gcsBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func gcsClientOptions(cfg *GCSConfig) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case cfg.Anonymous:
		opts = append(opts, option.WithoutAuthentication())
	case cfg.AccessToken != "":
		token := oauth2.Token{TokenType: "Bearer", AccessToken: cfg.AccessToken}
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&token)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	return opts
}

func newGCSBackend(ctx context.Context, cfg *GCSConfig) (*gcsBackend, error) {
	client, err := storage.NewClient(ctx, gcsClientOptions(cfg)...)
	if err != nil {
		return nil, errors.Wrapf(ErrInitialization, "creating storage client: %v", err)
	}
	// Retries are done by the Client so that they respect its permits.
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	return &gcsBackend{
		client: client,
		bucket: client.Bucket(cfg.BucketName),
	}, nil
}

func (b *gcsBackend) Name() string { return "gcs" }

func (b *gcsBackend) Close() error { return b.client.Close() }

// MaxKeysPerDelete is 1: the JSON API has no batch delete.
func (b *gcsBackend) MaxKeysPerDelete() int { return 1 }

func (b *gcsBackend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error) {
	// Cancelling the writer's context is the only way to abort an upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.bucket.Object(key).NewWriter(wctx)
	w.Metadata = metadata.Map()
	if size < googleapi.DefaultUploadChunkSize {
		w.ChunkSize = 0
	}
	if _, err := io.Copy(w, body); err != nil {
		cancel()
		w.Close()
		if errors.Is(err, ErrSizeMismatch) {
			return nil, err
		}
		return nil, gcsError(err)
	}
	if err := w.Close(); err != nil {
		return nil, gcsError(err)
	}
	attrs := w.Attrs()
	return &UploadResult{
		ETag:      attrs.Etag,
		VersionID: strconv.FormatInt(attrs.Generation, 10),
	}, nil
}

func (b *gcsBackend) object(key, version string) (*storage.ObjectHandle, error) {
	obj := b.bucket.Object(key)
	if version == "" {
		return obj, nil
	}
	gen, err := strconv.ParseInt(version, 10, 64)
	if err != nil || gen <= 0 {
		return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, version)
	}
	return obj.Generation(gen), nil
}

func (b *gcsBackend) Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error) {
	obj, err := b.object(key, opts.VersionID)
	if err != nil {
		return nil, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		err = gcsError(err)
		if opts.VersionID != "" && errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, opts.VersionID)
		}
		return nil, err
	}
	if opts.ETag != "" && opts.ETag == attrs.Etag {
		return nil, errors.Wrapf(ErrNotModified, "%s", key)
	}

	rng, err := opts.Range.clamp(attrs.Size)
	if err != nil {
		return nil, err
	}
	length := rng.Length()
	if opts.Range.Whole() {
		length = -1
	}
	// Pin the read to the generation that was checked above.
	r, err := b.bucket.Object(key).Generation(attrs.Generation).NewRangeReader(ctx, rng.Start, length)
	if err != nil {
		return nil, gcsError(err)
	}
	return &DownloadResult{
		ETag:          attrs.Etag,
		LastModified:  attrs.Updated,
		VersionID:     strconv.FormatInt(attrs.Generation, 10),
		Metadata:      MetadataFromMap(attrs.Metadata),
		ContentLength: rng.Length(),
		Body:          r,
	}, nil
}

func (b *gcsBackend) Head(ctx context.Context, key string) (*ObjectAttrs, error) {
	attrs, err := b.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return nil, gcsError(err)
	}
	return &ObjectAttrs{
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
		VersionID:    strconv.FormatInt(attrs.Generation, 10),
		Metadata:     MetadataFromMap(attrs.Metadata),
	}, nil
}

func (b *gcsBackend) Delete(ctx context.Context, keys []string) ([]KeyFailure, error) {
	var failures []KeyFailure
	for _, key := range keys {
		err := b.bucket.Object(key).Delete(ctx)
		if err == nil || err == storage.ErrObjectNotExist {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failures = append(failures, KeyFailure{Key: key, Err: gcsError(err)})
	}
	return failures, nil
}

func (b *gcsBackend) List(ctx context.Context, req ListRequest) (*ListPage, error) {
	query := &storage.Query{Prefix: req.Prefix, Delimiter: req.Delimiter}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Etag", "Updated", "Prefix"}); err != nil {
		return nil, errors.Wrap(err, "selecting list attributes")
	}

	pageSize := req.MaxKeys
	if pageSize <= 0 {
		pageSize = gcsDefaultPageSize
	}
	var attrs []*storage.ObjectAttrs
	pager := iterator.NewPager(b.bucket.Objects(ctx, query), pageSize, req.ContinuationToken)
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, gcsError(err)
	}

	page := &ListPage{NextToken: next}
	for _, a := range attrs {
		if a.Prefix != "" {
			page.Prefixes = append(page.Prefixes, a.Prefix)
			continue
		}
		page.Objects = append(page.Objects, ListEntry{
			Key:          a.Name,
			Size:         a.Size,
			ETag:         a.Etag,
			LastModified: a.Updated,
		})
	}
	return page, nil
}

// gcsError classifies errors of both the JSON and the gRPC transport.
func gcsError(err error) error {
	switch err {
	case storage.ErrObjectNotExist:
		return errors.Wrap(ErrNotFound, "object does not exist")
	case storage.ErrBucketNotExist:
		return newBackendError(codes.NotFound, "BucketNotExist", "bucket does not exist", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return gcsHTTPError(apiErr)
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.NotFound:
			return errors.Wrap(ErrNotFound, s.Message())
		case codes.OutOfRange:
			return errors.Wrap(ErrRangeNotSatisfiable, s.Message())
		}
		return newBackendError(s.Code(), s.Code().String(), s.Message(), err)
	}
	return newBackendError(codes.Unavailable, "", err.Error(), err)
}

func gcsHTTPError(apiErr *googleapi.Error) error {
	reason := ""
	if len(apiErr.Errors) > 0 {
		reason = apiErr.Errors[0].Reason
	}
	message := apiErr.Message
	switch apiErr.Code {
	case http.StatusNotModified:
		return errors.Wrap(ErrNotModified, message)
	case http.StatusNotFound:
		return errors.Wrap(ErrNotFound, message)
	case http.StatusRequestedRangeNotSatisfiable:
		return errors.Wrap(ErrRangeNotSatisfiable, message)
	}

	var c codes.Code
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		c = codes.Unauthenticated
	case apiErr.Code == http.StatusForbidden:
		c = codes.PermissionDenied
	case apiErr.Code == http.StatusPreconditionFailed:
		c = codes.FailedPrecondition
	case apiErr.Code == http.StatusRequestTimeout:
		c = codes.DeadlineExceeded
	case apiErr.Code == http.StatusTooManyRequests:
		c = codes.ResourceExhausted
	case apiErr.Code >= 500:
		c = codes.Unavailable
	default:
		c = codes.InvalidArgument
	}
	return newBackendError(c, reason, message, apiErr)
}
