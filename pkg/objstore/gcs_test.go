package objstore

import (
	"context"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGCSClientOptions(t *testing.T) {
	assert.Empty(t, gcsClientOptions(&GCSConfig{BucketName: "b"}))
	assert.Len(t, gcsClientOptions(&GCSConfig{Anonymous: true, Endpoint: "http://localhost:4443/storage/v1/"}), 2)
	assert.Len(t, gcsClientOptions(&GCSConfig{AccessToken: "tok"}), 1)
	// Anonymous wins over any credentials.
	assert.Len(t, gcsClientOptions(&GCSConfig{Anonymous: true, AccessToken: "tok", CredentialsFile: "key.json"}), 1)
}

func TestNewGCSBackendAnonymous(t *testing.T) {
	b, err := newGCSBackend(context.Background(), &GCSConfig{
		BucketName: "bucket",
		Anonymous:  true,
		Endpoint:   "http://127.0.0.1:1/storage/v1/",
	})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "gcs", b.Name())
	assert.Equal(t, 1, b.MaxKeysPerDelete())
}

func TestGCSErrorSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{storage.ErrObjectNotExist, ErrNotFound},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "No such object"}, ErrNotFound},
		{&googleapi.Error{Code: http.StatusNotModified}, ErrNotModified},
		{&googleapi.Error{Code: http.StatusRequestedRangeNotSatisfiable}, ErrRangeNotSatisfiable},
		{errors.Wrap(&googleapi.Error{Code: http.StatusNotFound}, "reader"), ErrNotFound},
		{status.Error(codes.NotFound, "gone"), ErrNotFound},
		{status.Error(codes.OutOfRange, "past the end"), ErrRangeNotSatisfiable},
	}
	for _, tt := range tests {
		got := gcsError(tt.err)
		assert.True(t, errors.Is(got, tt.want), "%v: got %v", tt.err, got)
	}
}

func TestGCSErrorCodes(t *testing.T) {
	tests := []struct {
		err       error
		code      codes.Code
		retryable bool
	}{
		{storage.ErrBucketNotExist, codes.NotFound, false},
		{&googleapi.Error{Code: http.StatusUnauthorized}, codes.Unauthenticated, false},
		{&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, codes.PermissionDenied, false},
		{&googleapi.Error{Code: http.StatusPreconditionFailed}, codes.FailedPrecondition, false},
		{&googleapi.Error{Code: http.StatusTooManyRequests}, codes.ResourceExhausted, true},
		{&googleapi.Error{Code: http.StatusRequestTimeout}, codes.DeadlineExceeded, true},
		{&googleapi.Error{Code: http.StatusBadGateway}, codes.Unavailable, true},
		{&googleapi.Error{Code: http.StatusBadRequest}, codes.InvalidArgument, false},
		{status.Error(codes.ResourceExhausted, "quota"), codes.ResourceExhausted, true},
		{status.Error(codes.PermissionDenied, "nope"), codes.PermissionDenied, false},
		{errors.New("connection reset by peer"), codes.Unavailable, true},
	}
	for _, tt := range tests {
		got := gcsError(tt.err)
		var be *BackendError
		require.True(t, errors.As(got, &be), "%v", tt.err)
		assert.Equal(t, tt.code, be.Code, "%v", tt.err)
		assert.Equal(t, tt.retryable, IsRetryable(got), "%v", tt.err)
	}

	var be *BackendError
	require.True(t, errors.As(gcsError(&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}), &be))
	assert.Equal(t, "forbidden", be.ProviderCode)
}
