package objstore

import (
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestAzureContainerURL(t *testing.T) {
	assert.Equal(t, "https://acct.blob.core.windows.net/layers",
		azureContainerURL(&AzureConfig{StorageAccount: "acct", ContainerName: "layers"}))
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1/layers",
		azureContainerURL(&AzureConfig{Endpoint: "http://127.0.0.1:10000/devstoreaccount1/", ContainerName: "layers"}))
}

func TestNewAzureBackend(t *testing.T) {
	b, err := newAzureBackend(&AzureConfig{
		ContainerName: "layers",
		Endpoint:      "http://127.0.0.1:10000/devstoreaccount1",
	})
	require.NoError(t, err)
	assert.Equal(t, "azure", b.Name())
	assert.Equal(t, 1, b.MaxKeysPerDelete())

	_, err = newAzureBackend(&AzureConfig{
		ContainerName:  "layers",
		StorageAccount: "acct",
		AccountKey:     "not base64!",
	})
	assert.True(t, errors.Is(err, ErrInitialization), "got %v", err)
}

func azureResponseError(status int, code string) error {
	return errors.WithStack(&azcore.ResponseError{StatusCode: status, ErrorCode: code})
}

func TestAzureErrorSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{azureResponseError(http.StatusNotModified, "ConditionNotMet"), ErrNotModified},
		{azureResponseError(http.StatusNotFound, "BlobNotFound"), ErrNotFound},
		{azureResponseError(http.StatusRequestedRangeNotSatisfiable, "InvalidRange"), ErrRangeNotSatisfiable},
	}
	for _, tt := range tests {
		got := azureError(tt.err)
		assert.True(t, errors.Is(got, tt.want), "got %v", got)
	}
}

func TestAzureErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   codes.Code
	}{
		{http.StatusNotFound, "ContainerNotFound", codes.NotFound},
		{http.StatusForbidden, "AuthenticationFailed", codes.Unauthenticated},
		{http.StatusForbidden, "AuthorizationFailure", codes.PermissionDenied},
		{http.StatusServiceUnavailable, "ServerBusy", codes.ResourceExhausted},
		{http.StatusTooManyRequests, "", codes.ResourceExhausted},
		{http.StatusInternalServerError, "OperationTimedOut", codes.DeadlineExceeded},
		{http.StatusNotFound, "ResourceNotFound", codes.NotFound},
		{http.StatusInternalServerError, "InternalError", codes.Unavailable},
		{http.StatusBadRequest, "InvalidHeaderValue", codes.InvalidArgument},
	}
	for _, tt := range tests {
		var be *BackendError
		require.True(t, errors.As(azureError(azureResponseError(tt.status, tt.code)), &be), tt.code)
		assert.Equal(t, tt.want, be.Code, tt.code)
		assert.Equal(t, tt.code, be.ProviderCode)
	}

	var be *BackendError
	require.True(t, errors.As(azureError(errors.New("dial tcp: connection refused")), &be))
	assert.Equal(t, codes.Unavailable, be.Code)
	assert.True(t, be.Retryable)
}
