package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

type azureBackend struct {
	container *container.Client
}

func azureContainerURL(cfg *AzureConfig) string {
	base := cfg.Endpoint
	if base == "" {
		base = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.StorageAccount)
	}
	return strings.TrimSuffix(base, "/") + "/" + cfg.ContainerName
}

func newAzureBackend(cfg *AzureConfig) (*azureBackend, error) {
	opts := &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// Retries are done by the Client so that they respect its permits.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}

	var (
		client *container.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = container.NewClientFromConnectionString(cfg.ConnectionString, cfg.ContainerName, opts)
	case cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.StorageAccount, cfg.AccountKey)
		if err == nil {
			client, err = container.NewClientWithSharedKeyCredential(azureContainerURL(cfg), cred, opts)
		}
	default:
		client, err = container.NewClientWithNoCredential(azureContainerURL(cfg), opts)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrInitialization, "creating container client: %v", err)
	}
	return &azureBackend{container: client}, nil
}

func (b *azureBackend) Name() string { return "azure" }

func (b *azureBackend) Close() error { return nil }

// MaxKeysPerDelete is 1: blob batch requests are not used.
func (b *azureBackend) MaxKeysPerDelete() int { return 1 }

func (b *azureBackend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error) {
	var md map[string]*string
	if metadata != nil {
		md = make(map[string]*string, metadata.Len())
		metadata.Range(func(k, v string) bool {
			md[k] = to.Ptr(v)
			return true
		})
	}
	resp, err := b.container.NewBlockBlobClient(key).UploadStream(ctx, body, &blockblob.UploadStreamOptions{
		Metadata: md,
	})
	if err != nil {
		if errors.Is(err, ErrSizeMismatch) {
			return nil, ErrSizeMismatch
		}
		return nil, azureError(err)
	}
	result := &UploadResult{}
	if resp.ETag != nil {
		result.ETag = string(*resp.ETag)
	}
	if resp.VersionID != nil {
		result.VersionID = *resp.VersionID
	}
	return result, nil
}

func (b *azureBackend) Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error) {
	client := b.container.NewBlobClient(key)
	if opts.VersionID != "" {
		versioned, err := client.WithVersionID(opts.VersionID)
		if err != nil {
			return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s: %v", key, opts.VersionID, err)
		}
		client = versioned
	}

	options := &blob.DownloadStreamOptions{}
	if !opts.Range.Whole() {
		options.Range = blob.HTTPRange{Offset: opts.Range.Start}
		if opts.Range.End >= 0 {
			options.Range.Count = opts.Range.Length()
		}
	}
	if opts.ETag != "" {
		options.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag(opts.ETag)),
			},
		}
	}

	resp, err := client.DownloadStream(ctx, options)
	if err != nil {
		err = azureError(err)
		if opts.VersionID != "" && (errors.Is(err, ErrNotFound) || bloberror.HasCode(err, bloberror.InvalidQueryParameterValue)) {
			return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, opts.VersionID)
		}
		return nil, err
	}

	result := &DownloadResult{
		ContentLength: derefInt64(resp.ContentLength),
		Metadata:      azureMetadata(resp.Metadata),
		Body:          resp.Body,
	}
	if resp.ETag != nil {
		result.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		result.LastModified = *resp.LastModified
	}
	if resp.VersionID != nil {
		result.VersionID = *resp.VersionID
	}
	return result, nil
}

func (b *azureBackend) Head(ctx context.Context, key string) (*ObjectAttrs, error) {
	props, err := b.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, azureError(err)
	}
	attrs := &ObjectAttrs{
		Size:     derefInt64(props.ContentLength),
		Metadata: azureMetadata(props.Metadata),
	}
	if props.ETag != nil {
		attrs.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		attrs.LastModified = *props.LastModified
	}
	if props.VersionID != nil {
		attrs.VersionID = *props.VersionID
	}
	return attrs, nil
}

func (b *azureBackend) Delete(ctx context.Context, keys []string) ([]KeyFailure, error) {
	var failures []KeyFailure
	for _, key := range keys {
		_, err := b.container.NewBlobClient(key).Delete(ctx, nil)
		if err == nil || bloberror.HasCode(err, bloberror.BlobNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failures = append(failures, KeyFailure{Key: key, Err: azureError(err)})
	}
	return failures, nil
}

func (b *azureBackend) List(ctx context.Context, req ListRequest) (*ListPage, error) {
	var (
		prefix     *string
		marker     *string
		maxResults *int32
	)
	if req.Prefix != "" {
		prefix = to.Ptr(req.Prefix)
	}
	if req.ContinuationToken != "" {
		marker = to.Ptr(req.ContinuationToken)
	}
	if req.MaxKeys > 0 {
		maxResults = to.Ptr(int32(req.MaxKeys))
	}

	page := &ListPage{}
	if req.Delimiter == "" {
		pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Prefix:     prefix,
			Marker:     marker,
			MaxResults: maxResults,
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, azureError(err)
		}
		if resp.Segment != nil {
			for _, item := range resp.Segment.BlobItems {
				page.Objects = append(page.Objects, azureListEntry(item))
			}
		}
		page.NextToken = derefString(resp.NextMarker)
		return page, nil
	}

	pager := b.container.NewListBlobsHierarchyPager(req.Delimiter, &container.ListBlobsHierarchyOptions{
		Prefix:     prefix,
		Marker:     marker,
		MaxResults: maxResults,
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, azureError(err)
	}
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			page.Objects = append(page.Objects, azureListEntry(item))
		}
		for _, p := range resp.Segment.BlobPrefixes {
			page.Prefixes = append(page.Prefixes, derefString(p.Name))
		}
	}
	page.NextToken = derefString(resp.NextMarker)
	return page, nil
}

func azureListEntry(item *container.BlobItem) ListEntry {
	entry := ListEntry{Key: derefString(item.Name)}
	if p := item.Properties; p != nil {
		entry.Size = derefInt64(p.ContentLength)
		if p.ETag != nil {
			entry.ETag = string(*p.ETag)
		}
		if p.LastModified != nil {
			entry.LastModified = *p.LastModified
		}
	}
	return entry
}

func azureMetadata(m map[string]*string) *StorageMetadata {
	if len(m) == 0 {
		return nil
	}
	values := make(map[string]string, len(m))
	for k, v := range m {
		values[strings.ToLower(k)] = derefString(v)
	}
	return MetadataFromMap(values)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

// azureError classifies an error returned by the SDK.
func azureError(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return newBackendError(codes.Unavailable, "", err.Error(), err)
	}

	code := respErr.ErrorCode
	switch {
	case respErr.StatusCode == http.StatusNotModified:
		return errors.Wrap(ErrNotModified, code)
	case code == string(bloberror.BlobNotFound):
		return errors.Wrap(ErrNotFound, code)
	case code == string(bloberror.InvalidRange) || respErr.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return errors.Wrap(ErrRangeNotSatisfiable, code)
	}

	var c codes.Code
	switch {
	case code == string(bloberror.ContainerNotFound):
		c = codes.NotFound
	case code == string(bloberror.AuthenticationFailed):
		c = codes.Unauthenticated
	case code == string(bloberror.AuthorizationFailure), respErr.StatusCode == http.StatusForbidden:
		c = codes.PermissionDenied
	case code == string(bloberror.ServerBusy), respErr.StatusCode == http.StatusTooManyRequests:
		c = codes.ResourceExhausted
	case code == string(bloberror.OperationTimedOut), respErr.StatusCode == http.StatusRequestTimeout:
		c = codes.DeadlineExceeded
	case respErr.StatusCode == http.StatusNotFound:
		c = codes.NotFound
	case respErr.StatusCode >= 500:
		c = codes.Unavailable
	default:
		c = codes.InvalidArgument
	}
	return newBackendError(c, code, fmt.Sprintf("%s %d", code, respErr.StatusCode), err)
}
