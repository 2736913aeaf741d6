package objstore

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

const s3MaxKeysPerDelete = 1000

type s3Backend struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
}

func newS3Backend(cfg *S3Config) (*s3Backend, error) {
	awsCfg := aws.NewConfig().
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		// Retries are done by the Client so that they respect its permits.
		WithMaxRetries(0)
	if cfg.BucketRegion != "" {
		awsCfg = awsCfg.WithRegion(cfg.BucketRegion)
	} else {
		awsCfg = awsCfg.WithRegion("us-east-1")
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrapf(ErrInitialization, "creating AWS session: %v", err)
	}
	client := s3.New(sess)
	return &s3Backend{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.BucketName,
	}, nil
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) Close() error { return nil }

func (b *s3Backend) MaxKeysPerDelete() int { return s3MaxKeysPerDelete }

func (b *s3Backend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error) {
	input := &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if metadata != nil {
		input.Metadata = aws.StringMap(metadata.Map())
	}
	out, err := b.uploader.UploadWithContext(ctx, input)
	if err != nil {
		if errors.Is(err, ErrSizeMismatch) {
			return nil, ErrSizeMismatch
		}
		return nil, s3Error(err)
	}
	return &UploadResult{VersionID: aws.StringValue(out.VersionID)}, nil
}

func (b *s3Backend) Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if h := opts.Range.HTTPHeader(); h != "" {
		input.Range = aws.String(h)
	}
	if opts.ETag != "" {
		input.IfNoneMatch = aws.String(opts.ETag)
	}
	if opts.VersionID != "" {
		input.VersionId = aws.String(opts.VersionID)
	}

	out, err := b.client.GetObjectWithContext(ctx, input)
	if err != nil {
		err = s3Error(err)
		if opts.VersionID != "" && isInvalidVersion(err) {
			return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, opts.VersionID)
		}
		return nil, err
	}
	return &DownloadResult{
		ETag:          aws.StringValue(out.ETag),
		LastModified:  aws.TimeValue(out.LastModified),
		VersionID:     aws.StringValue(out.VersionId),
		Metadata:      s3Metadata(out.Metadata),
		ContentLength: aws.Int64Value(out.ContentLength),
		Body:          out.Body,
	}, nil
}

func (b *s3Backend) Head(ctx context.Context, key string) (*ObjectAttrs, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	return &ObjectAttrs{
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         aws.StringValue(out.ETag),
		LastModified: aws.TimeValue(out.LastModified),
		VersionID:    aws.StringValue(out.VersionId),
		Metadata:     s3Metadata(out.Metadata),
	}, nil
}

func (b *s3Backend) Delete(ctx context.Context, keys []string) ([]KeyFailure, error) {
	objects := make([]*s3.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
	}
	out, err := b.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &s3.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return nil, s3Error(err)
	}

	var failures []KeyFailure
	for _, e := range out.Errors {
		code := aws.StringValue(e.Code)
		if code == "NoSuchKey" {
			continue
		}
		failures = append(failures, KeyFailure{
			Key: aws.StringValue(e.Key),
			Err: s3CodeError(code, aws.StringValue(e.Message), 0, nil),
		})
	}
	return failures, nil
}

func (b *s3Backend) List(ctx context.Context, req ListRequest) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if req.Prefix != "" {
		input.Prefix = aws.String(req.Prefix)
	}
	if req.Delimiter != "" {
		input.Delimiter = aws.String(req.Delimiter)
	}
	if req.MaxKeys > 0 {
		input.MaxKeys = aws.Int64(int64(req.MaxKeys))
	}
	if req.ContinuationToken != "" {
		input.ContinuationToken = aws.String(req.ContinuationToken)
	}

	out, err := b.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, s3Error(err)
	}

	page := &ListPage{}
	for _, o := range out.Contents {
		page.Objects = append(page.Objects, ListEntry{
			Key:          aws.StringValue(o.Key),
			Size:         aws.Int64Value(o.Size),
			ETag:         aws.StringValue(o.ETag),
			LastModified: aws.TimeValue(o.LastModified),
		})
	}
	for _, p := range out.CommonPrefixes {
		page.Prefixes = append(page.Prefixes, aws.StringValue(p.Prefix))
	}
	if aws.BoolValue(out.IsTruncated) {
		page.NextToken = aws.StringValue(out.NextContinuationToken)
	}
	return page, nil
}

// s3Metadata lower-cases keys; the SDK hands them back in canonical header
// form.
func s3Metadata(m map[string]*string) *StorageMetadata {
	if len(m) == 0 {
		return nil
	}
	values := make(map[string]string, len(m))
	for k, v := range m {
		values[strings.ToLower(k)] = aws.StringValue(v)
	}
	return MetadataFromMap(values)
}

func isInvalidVersion(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && (be.ProviderCode == "InvalidArgument" || be.ProviderCode == "NoSuchVersion")
}

// s3Error classifies an error returned by the SDK.
func s3Error(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return newBackendError(codes.Unavailable, "", err.Error(), err)
	}
	status := 0
	if reqErr, ok := aerr.(awserr.RequestFailure); ok {
		status = reqErr.StatusCode()
	}
	return s3CodeError(aerr.Code(), aerr.Message(), status, err)
}

func s3CodeError(code, message string, status int, cause error) error {
	switch {
	case code == "NoSuchKey" || code == "NotFound" || (status == http.StatusNotFound && code != "NoSuchBucket" && code != "NoSuchVersion"):
		return errors.Wrap(ErrNotFound, message)
	case code == "NoSuchVersion":
		return errors.Wrap(ErrVersionNotFound, message)
	case code == "NotModified" || status == http.StatusNotModified:
		return errors.Wrap(ErrNotModified, message)
	case code == "InvalidRange" || status == http.StatusRequestedRangeNotSatisfiable:
		return errors.Wrap(ErrRangeNotSatisfiable, message)
	}

	var c codes.Code
	switch code {
	case "AccessDenied", "AllAccessDisabled", "AccountProblem":
		c = codes.PermissionDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		c = codes.Unauthenticated
	case "NoSuchBucket":
		c = codes.NotFound
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
		c = codes.ResourceExhausted
	case "RequestTimeout", "RequestTimeTooSkewed":
		c = codes.DeadlineExceeded
	case "InternalError", "ServiceUnavailable", "RequestError", "SerializationError":
		c = codes.Unavailable
	default:
		switch {
		case status == 0 || status >= 500:
			c = codes.Unavailable
		case status == http.StatusTooManyRequests:
			c = codes.ResourceExhausted
		case status == http.StatusForbidden:
			c = codes.PermissionDenied
		default:
			c = codes.InvalidArgument
		}
	}
	return newBackendError(c, code, message, cause)
}
